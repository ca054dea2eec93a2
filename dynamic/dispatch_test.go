package dynamic_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/partite-ai/jinterop/dynamic"
	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
)

func constant(v any) jvmtest.Body {
	return func(*jvmtest.Object, []any) (any, error) {
		return v, nil
	}
}

func defineWidget(t *testing.T, rt *jvmtest.Runtime) {
	t.Helper()
	rt.MustDefineClass(jvmtest.ClassDef{
		Name: "test/Widget",
		Constructors: []jvmtest.ConstructorDef{
			{Signature: "()V"},
			{Signature: "(I)V", Body: func(this *jvmtest.Object, args []any) (any, error) {
				this.SetField("count", jni.IntValue(args[0].(int32)))
				return nil, nil
			}},
			{Signature: "(Ljava/lang/String;)V", Body: func(this *jvmtest.Object, args []any) (any, error) {
				this.SetField("name", args[0])
				return nil, nil
			}},
		},
		Fields: []jvmtest.FieldDef{
			{Name: "count", Signature: "I"},
			{Name: "name", Signature: "Ljava/lang/String;"},
			{Name: "LIMIT", Signature: "I", Static: true, Value: 10},
		},
		Methods: []jvmtest.MethodDef{
			{Name: "describe", Signature: "(Ljava/lang/String;)Ljava/lang/String;", Static: true, Body: constant("string")},
			{Name: "describe", Signature: "(Ljava/lang/Object;)Ljava/lang/String;", Static: true, Body: constant("object")},
			{Name: "pick", Signature: "(Ljava/lang/Object;)Ljava/lang/String;", Static: true, Body: constant("object")},
			{Name: "pick", Signature: "(Ljava/lang/String;)Ljava/lang/String;", Static: true, Body: constant("string")},
			{Name: "accept", Signature: "(Ltest/Widget;)Ljava/lang/String;", Static: true, Body: constant("widget")},
			{Name: "add", Signature: "(II)I", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				return args[0].(int32) + args[1].(int32), nil
			}},
			{Name: "add", Signature: "(JJ)J", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				return args[0].(int64) + args[1].(int64), nil
			}},
			{Name: "sum", Signature: "([I)J", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				var total int64
				for _, v := range args[0].(*jvmtest.Object).Value().([]jni.Value) {
					total += int64(v.Int())
				}
				return total, nil
			}},
			{Name: "echo", Signature: "([I)[I", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				return args[0], nil
			}},
			{Name: "join", Signature: "([Ljava/lang/String;)Ljava/lang/String;", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				var parts []string
				for _, o := range args[0].(*jvmtest.Object).Value().([]*jvmtest.Object) {
					parts = append(parts, o.Value().(string))
				}
				return strings.Join(parts, ","), nil
			}},
			{Name: "unbox", Signature: "(Ljava/lang/Integer;)I", Static: true, Body: func(_ *jvmtest.Object, args []any) (any, error) {
				return args[0].(*jvmtest.Object).Value().(jni.Value).Int() + 1, nil
			}},
			{Name: "fail", Signature: "()V", Static: true, Body: func(*jvmtest.Object, []any) (any, error) {
				return nil, &jvmtest.Exception{Class: "java/lang/IllegalStateException", Message: "broken"}
			}},
			{Name: "getCount", Signature: "()I", Body: func(this *jvmtest.Object, _ []any) (any, error) {
				return this.Field("count"), nil
			}},
			{Name: "self", Signature: "()Ltest/Widget;", Body: func(this *jvmtest.Object, _ []any) (any, error) {
				return this, nil
			}},
		},
	})
	rt.MustDefineClass(jvmtest.ClassDef{
		Name:         "test/Gadget",
		Super:        "test/Widget",
		Constructors: []jvmtest.ConstructorDef{{Signature: "()V"}},
	})
}

func widgetClass(t *testing.T, r *dynamic.Registry, env *jni.Env, name string) *dynamic.Class {
	t.Helper()
	cls, err := dynamic.NewClass(r, name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		if env.Attached() {
			if err := cls.Close(env); err != nil {
				t.Errorf("close: %v", err)
			}
		}
	})
	return cls
}

func TestTryInvoke_OverloadSelection(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")

	gadget, err := widgetClass(t, r, env, "test/Gadget").New(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer gadget.Close(env)
	boxed := int32(5)

	tests := []struct {
		name   string
		method string
		args   []any
		want   any
	}{
		{"exact reference match declared first", "describe", []any{"x"}, "string"},
		{"object parameter accepts boxes", "describe", []any{&boxed}, "object"},
		{"object parameter accepts instances", "describe", []any{gadget}, "object"},
		{"null matches the first reference overload", "describe", []any{nil}, "string"},
		{"first declared compatible overload wins", "pick", []any{"x"}, "object"},
		{"subclass instance is assignable", "accept", []any{gadget}, "widget"},
		{"int overload", "add", []any{int32(40), int32(2)}, int32(42)},
		{"long overload", "add", []any{int64(40), int64(2)}, int64(42)},
		{"int maps to long", "add", []any{40, 2}, int64(42)},
		{"primitive array argument", "sum", []any{[]int32{1, 2, 3}}, int64(6)},
		{"primitive array result", "echo", []any{[]int32{4, 5}}, []int32{4, 5}},
		{"string array argument", "join", []any{[]string{"a", "b"}}, "a,b"},
		{"boxed argument", "unbox", []any{&boxed}, int32(6)},
	}
	// The env is bound to this goroutine's thread, so cases run inline.
	for _, tt := range tests {
		got, err := widget.InvokeStatic(env, tt.method, tt.args...)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: %s() mismatch (-want +got):\n%s", tt.name, tt.method, diff)
		}
		checkNoLocals(t, env, rt)
	}
}

func TestTryInvoke_NoMatch(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")

	tests := []struct {
		name   string
		method string
		args   []any
	}{
		{"arity", "add", []any{int32(1)}},
		{"primitive mismatch", "add", []any{int32(1), int64(2)}},
		{"primitive for reference", "describe", []any{int32(1)}},
		{"unresolved argument", "describe", []any{struct{}{}}},
		{"not assignable", "accept", []any{"x"}},
		{"instance method called statically", "getCount", nil},
		{"unknown method", "missing", nil},
	}
	for _, tt := range tests {
		_, err := widget.InvokeStatic(env, tt.method, tt.args...)
		if !errors.Is(err, dynamic.ErrNoOverload) {
			t.Errorf("%s: expected ErrNoOverload, got %v", tt.name, err)
		}
		checkNoLocals(t, env, rt)
	}

	info, err := r.Get("test/Widget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Release(env, info)
	overloads, err := info.Method(env, "add")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok, err := r.TryInvoke(env, nil, overloads, "a", "b")
	if ok || err != nil || res != nil {
		t.Errorf("TryInvoke() = (%v, %v, %v), want (nil, false, nil)", res, ok, err)
	}
}

func TestTryInvoke_Exceptions(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")

	_, err := widget.InvokeStatic(env, "fail")
	var jex *jni.JavaException
	if !errors.As(err, &jex) {
		t.Fatalf("expected *JavaException, got %v", err)
	}
	want := &jni.JavaException{ClassName: "java/lang/IllegalStateException", Message: "broken"}
	if diff := cmp.Diff(want, jex); diff != "" {
		t.Errorf("exception mismatch (-want +got):\n%s", diff)
	}
	checkNoLocals(t, env, rt)
}

func TestTryInvoke_FaultsReleaseTransients(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")

	inst, err := widget.New(env, int32(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Close(env)
	if _, err := inst.Invoke(env, "getCount"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := widget.InvokeStatic(env, "describe", "warm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	globals := rt.GlobalRefCount()
	refs := r.RefCount("test/Widget")

	// call
	func() {
		rt.InjectFault("CallMethod", "java/lang/IllegalStateException", "injected")
		_, err := inst.Invoke(env, "getCount")
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.Message != "injected" {
			t.Errorf("expected the injected exception, got %v", err)
		}
	}()

	// static call with marshaled arguments
	func() {
		rt.InjectFault("CallStaticMethod", "java/lang/IllegalStateException", "injected")
		_, err := widget.InvokeStatic(env, "describe", "marshaled")
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.Message != "injected" {
			t.Errorf("expected the injected exception, got %v", err)
		}
	}()

	// construct
	func() {
		rt.InjectFault("NewObject", "java/lang/IllegalStateException", "injected")
		_, err := widget.New(env, int32(4))
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.Message != "injected" {
			t.Errorf("expected the injected exception, got %v", err)
		}
	}()

	checkNoLocals(t, env, rt)
	if rt.GlobalRefCount() != globals {
		t.Errorf("globals = %d, want %d", rt.GlobalRefCount(), globals)
	}
	if r.RefCount("test/Widget") != refs {
		t.Errorf("RefCount() = %d, want %d", r.RefCount("test/Widget"), refs)
	}
}

func TestTryInvoke_DeadHandles(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")
	gadgets := widgetClass(t, r, env, "test/Gadget")

	gadget, err := gadgets.New(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gadget.Close(env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	released, err := env.NewString("gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	released.Release(env)

	inst, err := widget.New(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Close(env)

	tests := []struct {
		name string
		call func() error
	}{
		{"closed instance argument", func() error {
			_, err := widget.InvokeStatic(env, "describe", gadget)
			return err
		}},
		{"released handle argument", func() error {
			_, err := widget.InvokeStatic(env, "describe", released)
			return err
		}},
		{"released handle constructor argument", func() error {
			_, err := widget.New(env, released)
			return err
		}},
		{"released handle field value", func() error {
			return inst.Set(env, "name", released)
		}},
	}
	for _, tt := range tests {
		err := tt.call()
		var usage *jni.UsageError
		if !errors.As(err, &usage) || !errors.Is(err, jni.ErrAlreadyReleased) {
			t.Errorf("%s: expected a usage error for a released handle, got %v", tt.name, err)
		}
		if errors.Is(err, dynamic.ErrNoOverload) {
			t.Errorf("%s: a released handle must not read as a failed overload match", tt.name)
		}
		checkNoLocals(t, env, rt)
	}

	if _, _, err := r.TryInvoke(env, released, nil); !errors.Is(err, jni.ErrAlreadyReleased) {
		t.Errorf("expected a released receiver to be rejected, got %v", err)
	}
}

func TestTryInvoke_NilReferents(t *testing.T) {
	r, rt := newRegistry(t)
	defineWidget(t, rt)
	env := attach(t, r)
	widget := widgetClass(t, r, env, "test/Widget")

	var (
		inst *dynamic.Instance
		ints *jni.PrimitiveArray[int32]
		objs *jni.ObjectArray[string]
		h    *jni.Handle
	)
	for _, arg := range []any{inst, ints, objs, h} {
		got, err := widget.InvokeStatic(env, "describe", arg)
		if err != nil {
			t.Errorf("%T: unexpected error: %v", arg, err)
			continue
		}
		if got != "string" {
			t.Errorf("%T: describe() = %v, want the first reference overload", arg, got)
		}
	}
	checkNoLocals(t, env, rt)
}
