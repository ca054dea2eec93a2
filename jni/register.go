package jni

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// NativeMember is one inline native method implementation. Func has the
// shape func(env *Env, this *Handle, args...) [(result)] [error] where the
// arguments and result match Signature.
type NativeMember struct {
	Name      string
	Signature string
	Func      any
}

// NativeMemberRegistrar registers the native methods of a foreign class
// itself, typically from generated marshal code.
type NativeMemberRegistrar interface {
	RegisterNativeMembers(env *Env, class *Handle) error
}

var (
	marshalMu     sync.RWMutex
	marshalTables = make(map[reflect.Type]NativeMemberRegistrar)
)

// RegisterMarshalMethods installs a precompiled registrar for hostType. It
// is meant to be called from init functions of generated code.
func RegisterMarshalMethods(hostType reflect.Type, r NativeMemberRegistrar) {
	if hostType == nil || r == nil {
		panic(usageErrorf("RegisterMarshalMethods", "host type and registrar are required"))
	}
	marshalMu.Lock()
	defer marshalMu.Unlock()
	marshalTables[hostType] = r
}

func marshalTableFor(hostType reflect.Type) (NativeMemberRegistrar, bool) {
	marshalMu.RLock()
	defer marshalMu.RUnlock()
	r, ok := marshalTables[hostType]
	return r, ok
}

// RegisterNativeMembers binds the native methods of class to host code. The
// precompiled marshal table of hostType wins, then a hostType implementing
// NativeMemberRegistrar, then trampolines generated from members.
func (vm *VM) RegisterNativeMembers(env *Env, class *Handle, hostType reflect.Type, members []NativeMember) error {
	className := "<unknown>"
	if name, err := env.ClassName(class); err == nil {
		className = strings.ReplaceAll(name, ".", "/")
	}
	regErr := func(err error) error {
		return &RegistrationError{ClassName: className, HostType: hostType, Err: err}
	}

	if hostType != nil {
		if r, ok := marshalTableFor(hostType); ok {
			vm.logAttrs(slog.LevelDebug, "registering natives from marshal table", slog.String("class", className))
			if err := r.RegisterNativeMembers(env, class); err != nil {
				return regErr(err)
			}
			return nil
		}
		if r, ok := registrarFor(hostType); ok {
			vm.logAttrs(slog.LevelDebug, "registering natives from host type", slog.String("class", className))
			if err := r.RegisterNativeMembers(env, class); err != nil {
				return regErr(err)
			}
			return nil
		}
	}

	if len(members) == 0 {
		return regErr(errors.New("no marshal methods and no inline native members"))
	}
	methods := make([]NativeMethod, 0, len(members))
	for _, m := range members {
		fn, err := vm.trampoline(m)
		if err != nil {
			return regErr(fmt.Errorf("native member %s%s: %w", m.Name, m.Signature, err))
		}
		methods = append(methods, NativeMethod{Name: m.Name, Signature: m.Signature, Fn: fn})
	}
	vm.logAttrs(slog.LevelDebug, "registering inline natives", slog.String("class", className), slog.Int("count", len(methods)))
	if err := env.RegisterNatives(class, methods); err != nil {
		return regErr(err)
	}
	return nil
}

func registrarFor(t reflect.Type) (NativeMemberRegistrar, bool) {
	if !t.Implements(reflect.TypeFor[NativeMemberRegistrar]()) {
		return nil, false
	}
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(NativeMemberRegistrar), true
	}
	return reflect.Zero(t).Interface().(NativeMemberRegistrar), true
}

type toHostFunc func(env *Env, v Value) (reflect.Value, error)

type fromHostFunc func(env *Env, rv reflect.Value) (Value, error)

var (
	envType    = reflect.TypeFor[*Env]()
	handleType = reflect.TypeFor[*Handle]()
	errorType  = reflect.TypeFor[error]()
	anyType    = reflect.TypeFor[any]()
	stringType = reflect.TypeFor[string]()
)

func (vm *VM) trampoline(m NativeMember) (NativeFunc, error) {
	fn := reflect.ValueOf(m.Func)
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("expected a function, got %T", m.Func)
	}
	fnType := fn.Type()
	params, ret, err := ParseMethodSignature(m.Signature)
	if err != nil {
		return nil, err
	}
	if fnType.NumIn() != len(params)+2 || fnType.In(0) != envType || fnType.In(1) != handleType {
		return nil, fmt.Errorf("function %v must take (*jni.Env, *jni.Handle) followed by %d arguments", fnType, len(params))
	}

	toHost := make([]toHostFunc, len(params))
	for i, p := range params {
		conv, err := vm.toHostConverter(p, fnType.In(i+2))
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		toHost[i] = conv
	}

	outs := fnType.NumOut()
	returnsError := outs > 0 && fnType.Out(outs-1) == errorType
	if returnsError {
		outs--
	}
	var fromHost fromHostFunc
	switch {
	case outs == 0 && ret.Kind() == KindVoid:
	case outs == 1 && ret.Kind() != KindVoid:
		fromHost, err = vm.fromHostConverter(ret, fnType.Out(0))
		if err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
	default:
		return nil, fmt.Errorf("function %v results do not match return type %s", fnType, ret)
	}

	return func(ni NativeInterface, this ObjectRef, args []Value) (result Value) {
		env := vm.frameEnv(ni)
		defer func() {
			if r := recover(); r != nil {
				result = 0
				vm.throwFromHost(env, fmt.Errorf("panic in native %s: %v", m.Name, r))
			}
		}()
		if len(args) != len(toHost) {
			vm.throwFromHost(env, fmt.Errorf("native %s expected %d arguments, got %d", m.Name, len(toHost), len(args)))
			return 0
		}
		in := make([]reflect.Value, 0, len(args)+2)
		in = append(in, reflect.ValueOf(env), reflect.ValueOf(borrowedHandle(env, this)))
		for i, arg := range args {
			rv, err := toHost[i](env, arg)
			if err != nil {
				vm.throwFromHost(env, err)
				return 0
			}
			in = append(in, rv)
		}
		out := fn.Call(in)
		if returnsError {
			if err, _ := out[len(out)-1].Interface().(error); err != nil {
				vm.throwFromHost(env, err)
				return 0
			}
		}
		if fromHost == nil {
			return 0
		}
		v, err := fromHost(env, out[0])
		if err != nil {
			vm.throwFromHost(env, err)
			return 0
		}
		return v
	}, nil
}

func (vm *VM) throwFromHost(env *Env, err error) {
	className := "java/lang/RuntimeException"
	var jex *JavaException
	if errors.As(err, &jex) {
		className = jex.ClassName
	}
	if terr := env.ThrowNew(className, err.Error()); terr != nil {
		vm.logger.Error("failed to raise exception from native method", slog.Any("error", err), slog.Any("throw_error", terr))
	}
}

func (vm *VM) toHostConverter(sig TypeSignature, t reflect.Type) (toHostFunc, error) {
	if k := sig.Kind(); k != KindObject {
		if kt, ok := kindOfType(t); !ok || kt != k {
			return nil, fmt.Errorf("%v cannot hold %s", t, sig)
		}
		return func(_ *Env, v Value) (reflect.Value, error) {
			return ConvertValue(k, v, t)
		}, nil
	}
	switch {
	case t == handleType || t == anyType:
		return func(env *Env, v Value) (reflect.Value, error) {
			h := borrowedHandle(env, v.Object())
			if h == nil {
				return reflect.Zero(t), nil
			}
			return reflect.ValueOf(h), nil
		}, nil
	case t == stringType && sig == classSignature("java/lang/String"):
		return func(env *Env, v Value) (reflect.Value, error) {
			h := borrowedHandle(env, v.Object())
			if h == nil {
				return reflect.ValueOf(""), nil
			}
			s, err := env.GetString(h)
			return reflect.ValueOf(s), err
		}, nil
	case t.Kind() == reflect.Slice && sig.IsKeyword && sig.ArrayRank == 1:
		k, _ := kindForKeyword(sig.SimpleReference)
		if kt, ok := kindOfType(t.Elem()); !ok || kt != k {
			return nil, fmt.Errorf("%v cannot hold %s", t, sig)
		}
		return func(env *Env, v Value) (reflect.Value, error) {
			h := borrowedHandle(env, v.Object())
			if h == nil {
				return reflect.Zero(t), nil
			}
			n, err := env.GetArrayLength(h)
			if err != nil {
				return reflect.Value{}, err
			}
			slots, err := env.GetPrimitiveArrayRegion(h, k, 0, n)
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.MakeSlice(t, n, n)
			for i, slot := range slots {
				ev, err := ConvertValue(k, slot, t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}, nil
	}
	return nil, fmt.Errorf("no conversion from %s to %v", sig, t)
}

func (vm *VM) fromHostConverter(sig TypeSignature, t reflect.Type) (fromHostFunc, error) {
	if k := sig.Kind(); k != KindObject {
		if kt, ok := kindOfType(t); !ok || kt != k {
			return nil, fmt.Errorf("%v cannot produce %s", t, sig)
		}
		return func(_ *Env, rv reflect.Value) (Value, error) {
			return reflectToValue(k, rv), nil
		}, nil
	}
	switch {
	case t == stringType && sig == classSignature("java/lang/String"):
		return func(env *Env, rv reflect.Value) (Value, error) {
			h, err := env.NewString(rv.String())
			if err != nil {
				return 0, err
			}
			return ObjectValue(h.surrender(env)), nil
		}, nil
	case t.Implements(reflect.TypeFor[Referent]()):
		return func(env *Env, rv reflect.Value) (Value, error) {
			if rv.Kind() == reflect.Pointer && rv.IsNil() {
				return 0, nil
			}
			h := rv.Interface().(Referent).Reference()
			if h == nil {
				return 0, nil
			}
			return ObjectValue(h.surrender(env)), nil
		}, nil
	}
	return nil, fmt.Errorf("no conversion from %v to %s", t, sig)
}
