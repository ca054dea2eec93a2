package jni_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
)

func defineNatives(t *testing.T, rt *jvmtest.Runtime, name string) {
	t.Helper()
	rt.MustDefineClass(jvmtest.ClassDef{
		Name:         name,
		Constructors: []jvmtest.ConstructorDef{{Signature: "()V"}},
		Methods: []jvmtest.MethodDef{
			{Name: "add", Signature: "(II)I", Static: true, Native: true},
			{Name: "greet", Signature: "(Ljava/lang/String;)Ljava/lang/String;", Static: true, Native: true},
			{Name: "sum", Signature: "([I)J", Static: true, Native: true},
			{Name: "fail", Signature: "(Z)V", Static: true, Native: true},
			{Name: "self", Signature: "()Ljava/lang/Object;", Native: true},
		},
	})
}

func inlineMembers() []jni.NativeMember {
	return []jni.NativeMember{
		{Name: "add", Signature: "(II)I", Func: func(env *jni.Env, this *jni.Handle, a, b int32) int32 {
			return a + b
		}},
		{Name: "greet", Signature: "(Ljava/lang/String;)Ljava/lang/String;", Func: func(env *jni.Env, this *jni.Handle, name string) (string, error) {
			return "hello, " + name, nil
		}},
		{Name: "sum", Signature: "([I)J", Func: func(env *jni.Env, this *jni.Handle, values []int32) int64 {
			var total int64
			for _, v := range values {
				total += int64(v)
			}
			return total
		}},
		{Name: "fail", Signature: "(Z)V", Func: func(env *jni.Env, this *jni.Handle, panics bool) error {
			if panics {
				panic("native panic")
			}
			return &jni.JavaException{ClassName: "java/lang/IllegalArgumentException", Message: "rejected"}
		}},
		{Name: "self", Signature: "()Ljava/lang/Object;", Func: func(env *jni.Env, this *jni.Handle) *jni.Handle {
			return this
		}},
	}
}

func TestRegisterNativeMembers_Inline(t *testing.T) {
	vm, rt := newVM(t, nil)
	defineNatives(t, rt, "test/Natives")
	env := attach(t, vm)

	cls, err := env.FindClass("test/Natives")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cls.Release(env)
	if err := vm.RegisterNativeMembers(env, cls, nil, inlineMembers()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseline := rt.LocalRefCount()

	// primitives
	func() {
		id, err := env.GetStaticMethodID(cls, "add", "(II)I")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		v, err := env.CallStaticMethod(cls, id, jni.KindInt, jni.IntValue(40), jni.IntValue(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.Int() != 42 {
			t.Errorf("add(40, 2) = %d, want 42", v.Int())
		}
	}()

	// strings
	func() {
		id, err := env.GetStaticMethodID(cls, "greet", "(Ljava/lang/String;)Ljava/lang/String;")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		arg, err := env.NewString("world")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer arg.Release(env)
		ret, err := env.CallStaticObjectMethod(cls, id, jni.ObjectValue(arg.Ref()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ret.Release(env)
		if got, _ := env.GetString(ret); got != "hello, world" {
			t.Errorf("greet() = %q, want %q", got, "hello, world")
		}
	}()

	// primitive arrays
	func() {
		id, err := env.GetStaticMethodID(cls, "sum", "([I)J")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		arr, err := jni.NewPrimitiveArray(env, []int32{1, 2, 3, 4})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer arr.Release(env)
		v, err := env.CallStaticMethod(cls, id, jni.KindLong, jni.ObjectValue(arr.Reference().Ref()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.Long() != 10 {
			t.Errorf("sum() = %d, want 10", v.Long())
		}
	}()

	// errors become exceptions
	func() {
		id, err := env.GetStaticMethodID(cls, "fail", "(Z)V")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = env.CallStaticMethod(cls, id, jni.KindVoid, jni.BooleanValue(false))
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.ClassName != "java/lang/IllegalArgumentException" {
			t.Errorf("expected IllegalArgumentException, got %v", err)
		}

		_, err = env.CallStaticMethod(cls, id, jni.KindVoid, jni.BooleanValue(true))
		if !errors.As(err, &jex) || jex.ClassName != "java/lang/RuntimeException" || !strings.Contains(jex.Message, "native panic") {
			t.Errorf("expected a RuntimeException carrying the panic, got %v", err)
		}
	}()

	// borrowed receiver
	func() {
		ctor, err := env.GetMethodID(cls, "<init>", "()V")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		obj, err := env.NewObject(cls, ctor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer obj.Release(env)
		id, err := env.GetMethodID(cls, "self", "()Ljava/lang/Object;")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ret, err := env.CallObjectMethod(obj, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ret.Release(env)
		if !env.IsSameObject(obj, ret) {
			t.Errorf("expected self() to return the receiver")
		}
	}()

	if got := rt.LocalRefCount(); got != baseline {
		t.Errorf("native calls leaked locals: %d, want %d", got, baseline)
	}
}

func TestRegisterNativeMembers_Failures(t *testing.T) {
	vm, rt := newVM(t, nil)
	defineNatives(t, rt, "test/Natives")
	env := attach(t, vm)
	cls, err := env.FindClass("test/Natives")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cls.Release(env)

	// nothing to register
	func() {
		err := vm.RegisterNativeMembers(env, cls, reflect.TypeFor[struct{}](), nil)
		var regErr *jni.RegistrationError
		if !errors.As(err, &regErr) {
			t.Fatalf("expected *RegistrationError, got %v", err)
		}
		if regErr.ClassName != "test/Natives" || regErr.HostType != reflect.TypeFor[struct{}]() {
			t.Errorf("expected the class and host type to be named, got %v", regErr)
		}
	}()

	// function does not match signature
	func() {
		members := []jni.NativeMember{{Name: "add", Signature: "(II)I", Func: func(env *jni.Env, this *jni.Handle, a string) int32 {
			return 0
		}}}
		var regErr *jni.RegistrationError
		if err := vm.RegisterNativeMembers(env, cls, nil, members); !errors.As(err, &regErr) {
			t.Errorf("expected *RegistrationError, got %v", err)
		}
	}()

	// unknown native
	func() {
		members := []jni.NativeMember{{Name: "missing", Signature: "()V", Func: func(env *jni.Env, this *jni.Handle) {}}}
		err := vm.RegisterNativeMembers(env, cls, nil, members)
		var jex *jni.JavaException
		if !errors.As(err, &jex) || jex.ClassName != "java/lang/NoSuchMethodError" {
			t.Errorf("expected a wrapped NoSuchMethodError, got %v", err)
		}
	}()
}

type precompiledNatives struct{}

type precompiledRegistrar struct {
	calls *int
}

func (r precompiledRegistrar) RegisterNativeMembers(env *jni.Env, class *jni.Handle) error {
	*r.calls++
	return env.RegisterNatives(class, []jni.NativeMethod{{
		Name:      "add",
		Signature: "(II)I",
		Fn: func(ni jni.NativeInterface, this jni.ObjectRef, args []jni.Value) jni.Value {
			return jni.IntValue(args[0].Int() * args[1].Int())
		},
	}})
}

type selfRegistering struct{}

func (selfRegistering) RegisterNativeMembers(env *jni.Env, class *jni.Handle) error {
	return env.RegisterNatives(class, []jni.NativeMethod{{
		Name:      "add",
		Signature: "(II)I",
		Fn: func(ni jni.NativeInterface, this jni.ObjectRef, args []jni.Value) jni.Value {
			return jni.IntValue(args[0].Int() - args[1].Int())
		},
	}})
}

func TestRegisterNativeMembers_Precedence(t *testing.T) {
	calls := 0
	jni.RegisterMarshalMethods(reflect.TypeFor[precompiledNatives](), precompiledRegistrar{calls: &calls})

	tests := []struct {
		name     string
		hostType reflect.Type
		want     int32
	}{
		{"marshal table", reflect.TypeFor[precompiledNatives](), 12},
		{"host type registrar", reflect.TypeFor[selfRegistering](), 4},
		{"inline members", nil, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, rt := newVM(t, nil)
			defineNatives(t, rt, "test/Natives")
			env := attach(t, vm)
			cls, err := env.FindClass("test/Natives")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer cls.Release(env)

			if err := vm.RegisterNativeMembers(env, cls, tt.hostType, inlineMembers()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			id, err := env.GetStaticMethodID(cls, "add", "(II)I")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			v, err := env.CallStaticMethod(cls, id, jni.KindInt, jni.IntValue(6), jni.IntValue(2))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Int() != tt.want {
				t.Errorf("add(6, 2) = %d, want %d", v.Int(), tt.want)
			}
		})
	}
	if calls != 1 {
		t.Errorf("expected the marshal table to be used once, got %d", calls)
	}
}
