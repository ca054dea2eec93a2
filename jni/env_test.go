package jni_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
)

func TestEnv_Exceptions(t *testing.T) {
	vm, rt := newVM(t, nil)
	rt.MustDefineClass(jvmtest.ClassDef{
		Name: "test/Thrower",
		Methods: []jvmtest.MethodDef{
			{Name: "boom", Signature: "()V", Static: true, Body: func(*jvmtest.Object, []any) (any, error) {
				return nil, &jvmtest.Exception{Class: "java/lang/IllegalStateException", Message: "boom"}
			}},
		},
	})
	env := attach(t, vm)

	// missing class
	func() {
		_, err := env.FindClass("does/not/Exist")
		var jex *jni.JavaException
		if !errors.As(err, &jex) {
			t.Fatalf("expected *JavaException, got %v", err)
		}
		want := &jni.JavaException{ClassName: "java/lang/NoClassDefFoundError", Message: "does/not/Exist"}
		if diff := cmp.Diff(want, jex); diff != "" {
			t.Errorf("exception mismatch (-want +got):\n%s", diff)
		}
	}()

	// thrown by a method
	func() {
		cls, err := env.FindClass("test/Thrower")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer cls.Release(env)
		id, err := env.GetStaticMethodID(cls, "boom", "()V")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = env.CallStaticMethod(cls, id, jni.KindVoid)
		want := &jni.JavaException{ClassName: "java/lang/IllegalStateException", Message: "boom"}
		var jex *jni.JavaException
		if !errors.As(err, &jex) {
			t.Fatalf("expected *JavaException, got %v", err)
		}
		if diff := cmp.Diff(want, jex); diff != "" {
			t.Errorf("exception mismatch (-want +got):\n%s", diff)
		}
	}()

	// missing method
	func() {
		cls, err := env.FindClass("java/lang/Object")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer cls.Release(env)
		_, err = env.GetMethodID(cls, "nope", "()V")
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.ClassName != "java/lang/NoSuchMethodError" {
			t.Errorf("expected NoSuchMethodError, got %v", err)
		}
	}()

	// dot separated class name
	func() {
		_, err := env.FindClass("java.lang.String")
		var usage *jni.UsageError
		if !errors.As(err, &usage) || !errors.Is(err, jni.ErrDotSeparatedName) {
			t.Errorf("expected a usage error, got %v", err)
		}
	}()

	if env.LiveLocals() != 0 || rt.LocalRefCount() != 0 {
		t.Errorf("exception handling leaked locals: env=%d runtime=%d", env.LiveLocals(), rt.LocalRefCount())
	}
}

func TestEnv_ObjectResultsRequireObjectCalls(t *testing.T) {
	vm, _ := newVM(t, nil)
	env := attach(t, vm)
	cls, err := env.FindClass("java/lang/Object")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cls.Release(env)
	id, err := env.GetMethodID(cls, "toString", "()Ljava/lang/String;")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = env.CallMethod(cls, id, jni.KindObject)
	var usage *jni.UsageError
	if !errors.As(err, &usage) {
		t.Errorf("expected a usage error, got %v", err)
	}
}

func TestEnv_Strings(t *testing.T) {
	vm, rt := newVM(t, nil)
	env := attach(t, vm)

	for _, s := range []string{"", "hello", "héllo wörld", "𝄞 clef"} {
		h, err := env.NewString(s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := env.GetString(h)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != s {
			t.Errorf("GetString() = %q, want %q", got, s)
		}
		h.Release(env)
	}
	if rt.LocalRefCount() != 0 {
		t.Errorf("expected no locals, got %d", rt.LocalRefCount())
	}
}

func TestEnv_ClassName(t *testing.T) {
	vm, _ := newVM(t, nil)
	env := attach(t, vm)
	for _, name := range []string{"java/lang/String", "[I", "[Ljava/lang/Object;"} {
		cls, err := env.FindClass(name)
		if err != nil {
			t.Fatalf("FindClass(%q): unexpected error: %v", name, err)
		}
		got, err := env.ClassName(cls)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sig, err := jni.TypeSignatureFromClassName(got)
		if err != nil {
			t.Fatalf("TypeSignatureFromClassName(%q): unexpected error: %v", got, err)
		}
		if sig.Name() != name {
			t.Errorf("class name %q resolves to %q, want %q", got, sig.Name(), name)
		}
		cls.Release(env)
	}
}

func TestHandle_Lifecycle(t *testing.T) {
	vm, rt := newVM(t, nil)
	env := attach(t, vm)

	s, err := env.NewString("hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Kind() != jni.RefLocal || env.LiveLocals() != 1 {
		t.Fatalf("expected one live local, got kind=%s live=%d", s.Kind(), env.LiveLocals())
	}

	g := s.Promote(env)
	if s.Valid() {
		t.Errorf("expected the promoted source to be invalidated")
	}
	if g.Kind() != jni.RefGlobal || rt.GlobalRefCount() != 1 || rt.LocalRefCount() != 0 || env.LiveLocals() != 0 {
		t.Errorf("unexpected state after promote: kind=%s globals=%d locals=%d live=%d",
			g.Kind(), rt.GlobalRefCount(), rt.LocalRefCount(), env.LiveLocals())
	}

	d := g.NewRef(env, jni.RefGlobal)
	if rt.GlobalRefCount() != 2 || !env.IsSameObject(g, d) {
		t.Errorf("expected an independent reference to the same object")
	}
	d.Release(env)

	l := g.Demote(env)
	if g.Valid() || rt.GlobalRefCount() != 0 || env.LiveLocals() != 1 {
		t.Errorf("unexpected state after demote: globals=%d live=%d", rt.GlobalRefCount(), env.LiveLocals())
	}
	if got, err := env.GetString(l); err != nil || got != "hello" {
		t.Errorf("GetString() = %q, %v", got, err)
	}

	l.Release(env)
	if env.LiveLocals() != 0 || rt.LocalRefCount() != 0 {
		t.Errorf("expected no locals after release")
	}
	expectUsagePanic(t, jni.ErrAlreadyReleased, func() { l.Release(env) })
	expectUsagePanic(t, jni.ErrAlreadyReleased, func() { l.Ref() })
	expectUsagePanic(t, jni.ErrAlreadyReleased, func() { s.Promote(env) })
	expectUsagePanic(t, jni.ErrInvalidHandle, func() { (*jni.Handle)(nil).Ref() })
}

func TestHandle_WeakReferences(t *testing.T) {
	vm, rt := newVM(t, nil)
	env := attach(t, vm)

	s, err := env.NewString("weak")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := s.Weaken(env)
	if w.Kind() != jni.RefWeakGlobal || rt.WeakRefCount() != 1 {
		t.Fatalf("expected a weak reference")
	}
	rt.CollectWeakReferents()
	if g := w.Promote(env); g != nil {
		t.Errorf("expected promoting a collected weak reference to yield nil, got %s", g)
	}
	if rt.WeakRefCount() != 0 || rt.GlobalRefCount() != 0 {
		t.Errorf("expected the weak reference to be deleted")
	}
}

func TestArrays(t *testing.T) {
	vm, rt := newVM(t, nil)
	env := attach(t, vm)

	ints, err := jni.NewPrimitiveArray(env, []int32{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ints.Set(env, 1, []int32{20, 30}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ints.Slice(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int32{1, 20, 30}, got); diff != "" {
		t.Errorf("Slice() mismatch (-want +got):\n%s", diff)
	}
	if err := ints.Set(env, 2, []int32{1, 2}); err == nil {
		t.Errorf("expected an out of bounds write to fail")
	}
	ints.Release(env)

	strs, err := jni.NewObjectArray[string](env, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := env.NewString("first")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := strs.Set(env, 0, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Release(env)
	e, err := strs.Get(env, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := env.GetString(e); v != "first" {
		t.Errorf("element 0 = %q, want %q", v, "first")
	}
	e.Release(env)
	if e, err := strs.Get(env, 1); err != nil || e != nil {
		t.Errorf("expected a null element, got %s, %v", e, err)
	}

	cls, err := env.FindClass("java/lang/Object")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = strs.Set(env, 1, cls)
	var jex *jni.JavaException
	if !errors.As(err, &jex) || jex.ClassName != "java/lang/ArrayStoreException" {
		t.Errorf("expected ArrayStoreException, got %v", err)
	}
	cls.Release(env)
	strs.Release(env)

	if rt.LocalRefCount() != 0 || env.LiveLocals() != 0 {
		t.Errorf("arrays leaked locals: runtime=%d env=%d", rt.LocalRefCount(), env.LiveLocals())
	}
}

func TestHandle_Check(t *testing.T) {
	vm, _ := newVM(t, nil)
	env := attach(t, vm)
	s, err := env.NewString("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Check("Check"); err != nil {
		t.Errorf("unexpected error for a live handle: %v", err)
	}
	s.Release(env)

	var usage *jni.UsageError
	if err := s.Check("Check"); !errors.As(err, &usage) || !errors.Is(err, jni.ErrAlreadyReleased) {
		t.Errorf("expected ErrAlreadyReleased, got %v", err)
	}
	if err := (*jni.Handle)(nil).Check("Check"); !errors.As(err, &usage) || !errors.Is(err, jni.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
}
