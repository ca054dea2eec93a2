package jni_test

import (
	"bytes"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
)

func newVM(t *testing.T, cfg *jni.Config, opts ...jvmtest.Option) (*jni.VM, *jvmtest.Runtime) {
	t.Helper()
	rt := jvmtest.New(opts...)
	vm, err := jni.NewVM(rt.EntryPoint(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return vm, rt
}

func attach(t *testing.T, vm *jni.VM) *jni.Env {
	t.Helper()
	env, err := vm.Attach()
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

func expectUsagePanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic")
		}
		err, ok := r.(error)
		if !ok {
			t.Fatalf("expected an error panic, got %v", r)
		}
		var usage *jni.UsageError
		if !errors.As(err, &usage) {
			t.Fatalf("expected *UsageError, got %v", err)
		}
		if target != nil && !errors.Is(err, target) {
			t.Fatalf("expected %v, got %v", target, err)
		}
	}()
	fn()
}

func TestNewVM_StartupErrors(t *testing.T) {
	t.Run("nil entry point", func(t *testing.T) {
		_, err := jni.NewVM(nil, nil)
		var startup *jni.StartupError
		if !errors.As(err, &startup) || !errors.Is(err, jni.ErrNoEntryPoint) {
			t.Errorf("expected a startup error, got %v", err)
		}
	})

	t.Run("entry point fails", func(t *testing.T) {
		cause := errors.New("no runtime library")
		_, err := jni.NewVM(func() (jni.Invoker, error) { return nil, cause }, nil)
		var startup *jni.StartupError
		if !errors.As(err, &startup) || !errors.Is(err, cause) {
			t.Errorf("expected a startup error wrapping the cause, got %v", err)
		}
	})

	t.Run("version too old", func(t *testing.T) {
		rt := jvmtest.New(jvmtest.WithVersion(0x00010004))
		_, err := jni.NewVM(rt.EntryPoint(), jni.NewConfig().WithMinVersion("v1.6"))
		var startup *jni.StartupError
		if !errors.As(err, &startup) {
			t.Errorf("expected a startup error, got %v", err)
		}
	})
}

func TestInitialize(t *testing.T) {
	jni.ResetCurrent()
	t.Cleanup(jni.ResetCurrent)

	rt := jvmtest.New()
	vm, err := jni.Initialize(rt.EntryPoint(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jni.Current() != vm {
		t.Errorf("Current() did not return the initialized VM")
	}
	if _, err := jni.Initialize(rt.EntryPoint(), nil); !errors.Is(err, jni.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if vm.Version() != jvmtest.Version {
		t.Errorf("Version() = 0x%x, want 0x%x", vm.Version(), jvmtest.Version)
	}
}

func TestVM_Attach(t *testing.T) {
	vm, rt := newVM(t, nil)

	outer, err := vm.Attach()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inner, err := vm.Attach()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jni.ThreadAffinityChecked && inner != outer {
		t.Errorf("expected a nested attach to return the same Env")
	}
	if err := inner.Detach(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outer.Attached() {
		t.Errorf("expected the outer attachment to survive the nested detach")
	}
	if err := outer.Detach(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.ThreadCount() != 0 {
		t.Errorf("expected all threads detached, got %d", rt.ThreadCount())
	}

	err = outer.Detach()
	var usage *jni.UsageError
	if !errors.As(err, &usage) || !errors.Is(err, jni.ErrNotAttached) {
		t.Errorf("expected a usage error detaching a detached Env, got %v", err)
	}
}

func TestVM_AttachFailure(t *testing.T) {
	cause := errors.New("thread limit")
	vm, _ := newVM(t, nil, jvmtest.WithAttachError(cause))
	if _, err := vm.Attach(); !errors.Is(err, cause) {
		t.Errorf("expected the attach error, got %v", err)
	}
}

func TestVM_WithEnv(t *testing.T) {
	vm, rt := newVM(t, nil)

	failure := errors.New("failed")
	err := vm.WithEnv(func(env *jni.Env) error {
		if rt.ThreadCount() != 1 {
			t.Errorf("expected an attached thread inside WithEnv")
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Errorf("expected the callback error, got %v", err)
	}
	if rt.ThreadCount() != 0 {
		t.Errorf("expected the thread to be detached after an error")
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected the panic to propagate")
			}
		}()
		_ = vm.WithEnv(func(env *jni.Env) error {
			panic("boom")
		})
	}()
	if rt.ThreadCount() != 0 {
		t.Errorf("expected the thread to be detached after a panic")
	}
}

func TestEnv_CrossThreadUse(t *testing.T) {
	if !jni.ThreadAffinityChecked {
		t.Skip("thread identity is not available on this platform")
	}
	vm, _ := newVM(t, nil)
	env := attach(t, vm)

	done := make(chan any)
	go func() {
		defer func() {
			done <- recover()
		}()
		_, _ = env.NewString("elsewhere")
	}()
	r := <-done
	err, ok := r.(error)
	if !ok || !errors.Is(err, jni.ErrWrongThread) {
		t.Errorf("expected ErrWrongThread, got %v", r)
	}
}

func TestVM_DisposalPolicies(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		vm, rt := newVM(t, nil)
		env := attach(t, vm)
		s, err := env.NewString("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g := s.Promote(env)

		vm.Finalize(1, g)
		if c, d := vm.PendingReleases(); c != 1 || d != 0 {
			t.Errorf("PendingReleases() = (%d, %d), want (1, 0)", c, d)
		}
		nested, err := vm.Attach()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := nested.Detach(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rt.GlobalRefCount() != 0 {
			t.Errorf("expected the collectable handle to be released on detach")
		}
		if g.Valid() {
			t.Errorf("expected the released handle to be invalid")
		}
	})

	t.Run("conservative", func(t *testing.T) {
		vm, rt := newVM(t, jni.NewConfig().WithDisposalPolicy(jni.ConservativePolicy{}))
		env := attach(t, vm)
		s, err := env.NewString("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g := s.Promote(env)

		vm.Finalize(1, g)
		if c, d := vm.PendingReleases(); c != 0 || d != 1 {
			t.Errorf("PendingReleases() = (%d, %d), want (0, 1)", c, d)
		}
		if n := vm.ReleasePending(env); n != 0 {
			t.Errorf("ReleasePending() = %d, want 0", n)
		}
		if n := vm.Safepoint(env); n != 1 {
			t.Errorf("Safepoint() = %d, want 1", n)
		}
		if rt.GlobalRefCount() != 0 {
			t.Errorf("expected the deferred handle to be released at the safepoint")
		}
	})

	t.Run("invalid handles are not queued", func(t *testing.T) {
		vm, _ := newVM(t, jni.NewConfig().WithDisposalPolicy(jni.ConservativePolicy{}))
		env := attach(t, vm)
		s, err := env.NewString("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g := s.Promote(env)
		g.Release(env)

		vm.Finalize(1, g)
		if c, d := vm.PendingReleases(); c != 0 || d != 0 {
			t.Errorf("PendingReleases() = (%d, %d), want (0, 0)", c, d)
		}
	})

	t.Run("invalid handles are always collectable", func(t *testing.T) {
		vm, _ := newVM(t, nil)
		env := attach(t, vm)
		s, err := env.NewString("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g := s.Promote(env)
		g.Release(env)

		policies := []jni.DisposalPolicy{
			jni.ImmediatePolicy{},
			jni.ConservativePolicy{},
			jni.LoggingPolicy{Policy: jni.ConservativePolicy{}},
		}
		for _, p := range policies {
			for _, h := range []*jni.Handle{nil, g} {
				if !p.TryCollect(1, h) {
					t.Errorf("%T.TryCollect(%v) = false, want true", p, h)
				}
			}
		}
	})

	t.Run("logging", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		policy := jni.LoggingPolicy{Policy: jni.ConservativePolicy{}, Logger: logger}
		vm, _ := newVM(t, jni.NewConfig().WithDisposalPolicy(policy))
		env := attach(t, vm)
		s, err := env.NewString("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		g := s.Promote(env)

		vm.Finalize(7, g)
		out := buf.String()
		if !strings.Contains(out, "disposal decision") || !strings.Contains(out, "wrapper=7") || !strings.Contains(out, "collect=false") {
			t.Errorf("unexpected log output: %s", out)
		}
		vm.Safepoint(env)
	})
}

type trackedWrapper struct {
	handle *jni.Handle
	name   string
	pad    [4]int64
}

func TestTrack(t *testing.T) {
	vm, rt := newVM(t, nil)
	env := attach(t, vm)

	s, err := env.NewString("tracked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectUsagePanic(t, nil, func() {
		jni.Track(vm, &trackedWrapper{}, s)
	})

	w := &trackedWrapper{handle: s.Promote(env), name: "tracked"}
	tracked := jni.Track(vm, w, w.handle)
	if tracked.ID == 0 {
		t.Errorf("expected a non-zero wrapper id")
	}
	w = nil

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		if c, _ := vm.PendingReleases(); c == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wrapper cleanup did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := vm.ReleasePending(env); n != 1 {
		t.Errorf("ReleasePending() = %d, want 1", n)
	}
	if rt.GlobalRefCount() != 0 {
		t.Errorf("expected the tracked handle to be released, %d globals remain", rt.GlobalRefCount())
	}
}
