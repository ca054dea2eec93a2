package dynamic

import (
	"fmt"
	"reflect"

	"github.com/partite-ai/jinterop/jni"
)

// callContext owns the transient foreign references of one dynamic call.
type callContext struct {
	env      *jni.Env
	registry *Registry
	cleanups []func(env *jni.Env)
	classes  map[string]*jni.Handle
}

func newCallContext(r *Registry, env *jni.Env) *callContext {
	return &callContext{
		env:      env,
		registry: r,
		classes:  make(map[string]*jni.Handle),
	}
}

func (cc *callContext) addCleanup(fn func(env *jni.Env)) {
	cc.cleanups = append(cc.cleanups, fn)
}

func (cc *callContext) cleanup() {
	for i := len(cc.cleanups) - 1; i >= 0; i-- {
		cc.cleanups[i](cc.env)
	}
	cc.cleanups = nil
}

// local schedules h for release when the call completes.
func (cc *callContext) local(h *jni.Handle) *jni.Handle {
	if h != nil {
		cc.addCleanup(h.Release)
	}
	return h
}

// findClass resolves a class by FindClass name once per call. A class that
// cannot be found yields nil.
func (cc *callContext) findClass(name string) *jni.Handle {
	if cls, ok := cc.classes[name]; ok {
		return cls
	}
	cls, err := cc.env.FindClass(name)
	if err != nil {
		cls = nil
	}
	cc.classes[name] = cc.local(cls)
	return cls
}

// argument is a host value with its resolved foreign type.
type argument struct {
	value    any
	sig      jni.TypeSignature
	resolved bool
	null     bool
	class    *jni.Handle
}

func (cc *callContext) resolveArgs(op string, args []any) ([]argument, error) {
	ret := make([]argument, len(args))
	for i, v := range args {
		arg, err := cc.resolveArg(op, v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret[i] = arg
	}
	return ret, nil
}

// resolveArg finds the foreign type of v. Null references resolve to any
// reference type; a dead handle is a usage error rather than null.
func (cc *callContext) resolveArg(op string, v any) (argument, error) {
	arg := argument{value: v}
	if v == nil {
		arg.null = true
		arg.resolved = true
		return arg, nil
	}
	if ref, ok := v.(jni.Referent); ok {
		h := ref.Reference()
		if h == nil {
			arg.null = true
			arg.resolved = true
			return arg, nil
		}
		if err := h.Check(op); err != nil {
			return arg, err
		}
		cls, err := cc.env.GetObjectClass(h)
		if err != nil || cls == nil {
			return arg, nil
		}
		cc.local(cls)
		sig, err := classSignature(cc.env, cls)
		if err != nil {
			return arg, nil
		}
		arg.sig = sig
		arg.class = cls
		arg.resolved = true
		return arg, nil
	}
	sig, err := cc.registry.vm.TypeManager().TypeSignature(reflect.TypeOf(v))
	if err != nil {
		return arg, nil
	}
	arg.sig = sig
	arg.resolved = true
	return arg, nil
}

// compatible reports whether arg can be passed where param is declared.
func (cc *callContext) compatible(param jni.TypeSignature, arg argument) bool {
	if !arg.resolved {
		return false
	}
	if param.Kind() != jni.KindObject {
		return !arg.null && arg.sig == param
	}
	if arg.null {
		return true
	}
	if arg.sig.Kind() != jni.KindObject {
		return false
	}
	if isObjectClass(param) || arg.sig == param {
		return true
	}
	sub := arg.class
	if sub == nil {
		sub = cc.findClass(arg.sig.Name())
	}
	sup := cc.findClass(param.Name())
	if sub == nil || sup == nil {
		return false
	}
	return cc.env.IsAssignableFrom(sub, sup)
}

// marshal converts arg into a value slot for param. References it creates
// are released with the call.
func (cc *callContext) marshal(param jni.TypeSignature, arg argument) (jni.Value, error) {
	if arg.null {
		return jni.ObjectValue(0), nil
	}
	if param.Kind() != jni.KindObject {
		return jni.PrimitiveValue(param.Kind(), arg.value)
	}
	env := cc.env
	if ref, ok := arg.value.(jni.Referent); ok {
		return jni.ObjectValue(ref.Reference().Ref()), nil
	}
	if s, ok := arg.value.(string); ok {
		h, err := env.NewString(s)
		if err != nil {
			return 0, err
		}
		return jni.ObjectValue(cc.local(h).Ref()), nil
	}

	rv := reflect.ValueOf(arg.value)
	switch {
	case rv.Kind() == reflect.Pointer:
		if rv.IsNil() {
			return jni.ObjectValue(0), nil
		}
		return cc.box(arg.sig, rv.Elem())
	case rv.Kind() == reflect.Slice && arg.sig.ArrayRank == 1 && arg.sig.IsKeyword:
		kind := arg.sig.AddArrayRank(-1).Kind()
		values := make([]jni.Value, rv.Len())
		for i := range values {
			v, err := jni.PrimitiveValue(kind, rv.Index(i).Interface())
			if err != nil {
				return 0, err
			}
			values[i] = v
		}
		h, err := env.NewPrimitiveArray(kind, values)
		if err != nil {
			return 0, err
		}
		return jni.ObjectValue(cc.local(h).Ref()), nil
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.String:
		strCls := cc.findClass("java/lang/String")
		if strCls == nil {
			return 0, fmt.Errorf("cannot marshal %T: java/lang/String not found", arg.value)
		}
		arr, err := env.NewObjectArray(rv.Len(), strCls, nil)
		if err != nil {
			return 0, err
		}
		cc.local(arr)
		for i := range rv.Len() {
			s, err := env.NewString(rv.Index(i).String())
			if err != nil {
				return 0, err
			}
			err = env.SetObjectArrayElement(arr, i, s)
			s.Release(env)
			if err != nil {
				return 0, err
			}
		}
		return jni.ObjectValue(arr.Ref()), nil
	}
	return 0, fmt.Errorf("cannot marshal %T as %s", arg.value, param)
}

// box wraps a primitive in its box class through the static valueOf
// factory.
func (cc *callContext) box(sig jni.TypeSignature, v reflect.Value) (jni.Value, error) {
	elem, err := cc.registry.vm.TypeManager().TypeSignature(v.Type())
	if err != nil {
		return 0, err
	}
	kind := elem.Kind()
	if kind == jni.KindObject {
		return 0, fmt.Errorf("cannot box %v as %s", v.Type(), sig)
	}
	cls := cc.findClass(sig.Name())
	if cls == nil {
		return 0, fmt.Errorf("box class %s not found", sig.Name())
	}
	id, err := cc.env.GetStaticMethodID(cls, "valueOf", jni.MethodSignature(sig, elem))
	if err != nil {
		return 0, err
	}
	pv, err := jni.PrimitiveValue(kind, v.Interface())
	if err != nil {
		return 0, err
	}
	h, err := cc.env.CallStaticObjectMethod(cls, id, pv)
	if err != nil {
		return 0, err
	}
	if h == nil {
		return jni.ObjectValue(0), nil
	}
	return jni.ObjectValue(cc.local(h).Ref()), nil
}

// unmarshal converts a returned reference of type sig to a host value.
// Strings and primitive arrays are copied out; other objects are wrapped
// in an *Instance, which takes ownership of h.
func (cc *callContext) unmarshal(sig jni.TypeSignature, h *jni.Handle) (any, error) {
	if h == nil {
		return nil, nil
	}
	env := cc.env
	switch {
	case sig.ArrayRank == 0 && sig.SimpleReference == "java/lang/String":
		cc.local(h)
		return env.GetString(h)
	case sig.ArrayRank == 1 && sig.IsKeyword:
		cc.local(h)
		return cc.primitiveSlice(sig.AddArrayRank(-1), h)
	}
	return cc.registry.Wrap(env, h)
}

func (cc *callContext) primitiveSlice(elem jni.TypeSignature, arr *jni.Handle) (any, error) {
	t, err := cc.registry.vm.TypeManager().HostType(elem)
	if err != nil {
		return nil, err
	}
	n, err := cc.env.GetArrayLength(arr)
	if err != nil {
		return nil, err
	}
	values, err := cc.env.GetPrimitiveArrayRegion(arr, elem.Kind(), 0, n)
	if err != nil {
		return nil, err
	}
	out := reflect.MakeSlice(reflect.SliceOf(t), n, n)
	for i, v := range values {
		ev, err := jni.ConvertValue(elem.Kind(), v, t)
		if err != nil {
			return nil, err
		}
		out.Index(i).Set(ev)
	}
	return out.Interface(), nil
}

// unmarshalValue converts a primitive or void result slot.
func unmarshalValue(sig jni.TypeSignature, v jni.Value) any {
	return v.ToGo(sig.Kind())
}
