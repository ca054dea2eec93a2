package dynamic_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/partite-ai/jinterop/dynamic"
	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
)

func newRegistry(t *testing.T) (*dynamic.Registry, *jvmtest.Runtime) {
	t.Helper()
	rt := jvmtest.New()
	vm, err := jni.NewVM(rt.EntryPoint(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return dynamic.NewRegistry(vm), rt
}

func attach(t *testing.T, r *dynamic.Registry) *jni.Env {
	t.Helper()
	env, err := r.VM().Attach()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		if env.Attached() {
			if err := env.Detach(); err != nil {
				t.Errorf("detach: %v", err)
			}
		}
	})
	return env
}

func checkNoLocals(t *testing.T, env *jni.Env, rt *jvmtest.Runtime) {
	t.Helper()
	if env.LiveLocals() != 0 || rt.LocalRefCount() != 0 {
		t.Errorf("leaked locals: env=%d runtime=%d", env.LiveLocals(), rt.LocalRefCount())
	}
}

func TestRegistry_Get(t *testing.T) {
	r, _ := newRegistry(t)
	env := attach(t, r)

	var g errgroup.Group
	infos := make([]*dynamic.ClassInfo, 2)
	for i := range infos {
		g.Go(func() error {
			info, err := r.Get("java/lang/String")
			infos[i] = info
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if infos[0] != infos[1] {
		t.Errorf("expected concurrent lookups to share one entry")
	}
	if got := r.RefCount("java/lang/String"); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}

	for _, info := range infos {
		if err := r.Release(env, info); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := r.RefCount("java/lang/String"); got != -1 {
		t.Errorf("RefCount() after release = %d, want -1", got)
	}
	if !infos[0].Disposed() {
		t.Errorf("expected the entry to be disposed")
	}

	again, err := r.Get("java/lang/String")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again == infos[0] {
		t.Errorf("expected a fresh entry after teardown")
	}
	if got := r.RefCount("java/lang/String"); got != 1 {
		t.Errorf("RefCount() = %d, want 1", got)
	}
	if err := r.Release(env, again); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_InvalidNames(t *testing.T) {
	r, _ := newRegistry(t)
	for _, name := range []string{"", "java.lang.String"} {
		_, err := r.Get(name)
		var usage *jni.UsageError
		if !errors.As(err, &usage) {
			t.Errorf("Get(%q): expected a usage error, got %v", name, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("expected no entries, got %d", r.Len())
	}
}

func TestRegistry_ReleaseMisuse(t *testing.T) {
	r, _ := newRegistry(t)
	env := attach(t, r)
	info, err := r.Get("java/lang/Object")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Release(env, info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var usage *jni.UsageError
	if err := r.Release(env, info); !errors.As(err, &usage) {
		t.Errorf("expected a usage error releasing twice, got %v", err)
	}

	other, _ := newRegistry(t)
	foreign, err := other.Get("java/lang/Object")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Release(env, foreign); !errors.As(err, &usage) {
		t.Errorf("expected a usage error releasing a foreign entry, got %v", err)
	}
}

func TestRegistry_ConcurrentLookups(t *testing.T) {
	r, _ := newRegistry(t)
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("test/Class%d", i)
	}

	const workers, lookups = 50, 1000
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			return r.VM().WithEnv(func(env *jni.Env) error {
				for i := range lookups {
					info, err := r.Get(names[(w+i)%len(names)])
					if err != nil {
						return err
					}
					if i%2 == 1 {
						if err := r.Release(env, info); err != nil {
							return err
						}
					}
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total := 0
	for _, name := range names {
		if n := r.RefCount(name); n > 0 {
			total += n
		}
	}
	if want := workers * lookups / 2; total != want {
		t.Errorf("total reference count = %d, want %d", total, want)
	}
}

func TestClassInfo_Members(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)

	info, err := r.Get("test/Widget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctors, err := info.Constructors(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ctors) != 3 {
		t.Fatalf("expected 3 constructors, got %d", len(ctors))
	}
	params, err := ctors[1].Parameters(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params) != 1 || params[0].QualifiedReference() != "I" {
		t.Errorf("constructor 1 parameters = %v, want [I]", params)
	}

	fields, err := info.Fields(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	limit := fields["LIMIT"]
	if len(limit) != 1 || !limit[0].Static || limit[0].Type.QualifiedReference() != "I" {
		t.Errorf("unexpected LIMIT field: %v", limit)
	}
	if name := fields["name"]; len(name) != 1 || name[0].Static || name[0].Type.SimpleReference != "java/lang/String" {
		t.Errorf("unexpected name field: %v", name)
	}

	methods, err := info.Methods(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	describe := methods["describe"]
	if len(describe) != 2 {
		t.Fatalf("expected 2 describe overloads, got %d", len(describe))
	}
	sig, err := describe[0].Signature(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "(Ljava/lang/String;)Ljava/lang/String;" {
		t.Errorf("Signature() = %q, want %q", sig, "(Ljava/lang/String;)Ljava/lang/String;")
	}
	if describe[0].DeclaringClass != "test/Widget" {
		t.Errorf("DeclaringClass = %q, want %q", describe[0].DeclaringClass, "test/Widget")
	}
	if add := methods["add"]; len(add) != 2 || !add[0].Static {
		t.Errorf("unexpected add overloads: %v", add)
	}
	if toString := methods["toString"]; len(toString) != 1 || toString[0].DeclaringClass != "java/lang/Object" {
		t.Errorf("expected the inherited toString, got %v", toString)
	}

	again, err := info.Methods(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again["describe"]) != 2 || again["describe"][0] != describe[0] {
		t.Errorf("expected repeated population to return the cached members")
	}
	checkNoLocals(t, env, rt)

	globals := rt.GlobalRefCount()
	if globals == 0 {
		t.Errorf("expected the entry to hold global references")
	}
	if err := r.Release(env, info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.GlobalRefCount() != 0 {
		t.Errorf("expected teardown to release every global, %d remain", rt.GlobalRefCount())
	}
	if m, err := info.Methods(env); err != nil || m != nil {
		t.Errorf("expected nil members after disposal, got %v, %v", m, err)
	}
}

func TestClassInfo_ConcurrentPopulation(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)

	info, err := r.Get("test/Widget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var mu sync.Mutex
	seen := make(map[*dynamic.MemberInfo]bool)
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			return r.VM().WithEnv(func(env *jni.Env) error {
				if _, err := info.Constructors(env); err != nil {
					return err
				}
				if _, err := info.Fields(env); err != nil {
					return err
				}
				methods, err := info.Methods(env)
				if err != nil {
					return err
				}
				mu.Lock()
				seen[methods["describe"][0]] = true
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("expected one population, saw %d distinct member sets", len(seen))
	}
	env := attach(t, r)
	if err := r.Release(env, info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_Preload(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)

	infos, err := r.Preload(context.Background(), "test/Widget", "java/lang/String")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 || infos[0].Name() != "test/Widget" || infos[1].Name() != "java/lang/String" {
		t.Fatalf("unexpected entries: %v", infos)
	}
	if r.RefCount("test/Widget") != 1 {
		t.Errorf("RefCount() = %d, want 1", r.RefCount("test/Widget"))
	}

	t.Run("failure keeps no references", func(t *testing.T) {
		_, err := r.Preload(context.Background(), "java/lang/Object", "does/not/Exist")
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.ClassName != "java/lang/NoClassDefFoundError" {
			t.Errorf("expected NoClassDefFoundError, got %v", err)
		}
		if r.RefCount("java/lang/Object") != -1 || r.RefCount("does/not/Exist") != -1 {
			t.Errorf("expected failed preload to release its references")
		}
	})

	env := attach(t, r)
	for _, info := range infos {
		if err := r.Release(env, info); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if r.Len() != 0 || rt.GlobalRefCount() != 0 {
		t.Errorf("expected an empty registry, got %d entries and %d globals", r.Len(), rt.GlobalRefCount())
	}
}
