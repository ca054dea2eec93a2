package dynamic

import (
	"fmt"
	"log/slog"

	"github.com/partite-ai/jinterop/jni"
)

// TryInvoke calls the first overload, in enumeration order, whose
// staticness and parameters accept args. self is nil for static methods
// and constructors. It returns ok == false with a nil error when no
// overload matches. Every transient reference is released before it
// returns. A released or invalid handle among self and args is a
// *jni.UsageError, never a no-match or a null.
func (r *Registry) TryInvoke(env *jni.Env, self *jni.Handle, overloads []*MemberInfo, args ...any) (result any, ok bool, err error) {
	if self != nil {
		if err := self.Check("TryInvoke"); err != nil {
			return nil, false, err
		}
	}
	cc := newCallContext(r, env)
	defer cc.cleanup()

	resolved, err := cc.resolveArgs("TryInvoke", args)
	if err != nil {
		return nil, false, err
	}
	m, params, err := cc.selectOverload(self, overloads, resolved)
	if err != nil || m == nil {
		return nil, false, err
	}
	r.logger.Debug("overload selected", slog.String("member", m.String()), slog.Int("args", len(args)))

	values := make([]jni.Value, len(params))
	for i, p := range params {
		v, err := cc.marshal(p, resolved[i])
		if err != nil {
			return nil, true, fmt.Errorf("argument %d of %s: %w", i, m, err)
		}
		values[i] = v
	}
	result, err = cc.invoke(self, m, values)
	if err != nil {
		return nil, true, err
	}
	return result, true, nil
}

func (cc *callContext) selectOverload(self *jni.Handle, overloads []*MemberInfo, args []argument) (*MemberInfo, []jni.TypeSignature, error) {
	for _, m := range overloads {
		switch m.Kind {
		case MemberField:
			continue
		case MemberMethod:
			if m.Static != (self == nil) {
				continue
			}
		}
		params, err := m.Parameters(cc.env)
		if err != nil {
			return nil, nil, err
		}
		if len(params) != len(args) {
			continue
		}
		if cc.accepts(params, args) {
			return m, params, nil
		}
	}
	return nil, nil, nil
}

func (cc *callContext) accepts(params []jni.TypeSignature, args []argument) bool {
	for i, p := range params {
		if !cc.compatible(p, args[i]) {
			return false
		}
	}
	return true
}

func (cc *callContext) invoke(self *jni.Handle, m *MemberInfo, values []jni.Value) (any, error) {
	env := cc.env
	if m.Kind == MemberConstructor {
		cls, err := m.Owner.Class(env)
		if err != nil {
			return nil, err
		}
		obj, err := env.NewObject(cls, m.Method, values...)
		if err != nil {
			return nil, err
		}
		return cc.registry.Wrap(env, obj)
	}

	kind := m.Return.Kind()
	if m.Static {
		cls, err := m.Owner.Class(env)
		if err != nil {
			return nil, err
		}
		if kind == jni.KindObject {
			h, err := env.CallStaticObjectMethod(cls, m.Method, values...)
			if err != nil {
				return nil, err
			}
			return cc.unmarshal(m.Return, h)
		}
		v, err := env.CallStaticMethod(cls, m.Method, kind, values...)
		if err != nil {
			return nil, err
		}
		return unmarshalValue(m.Return, v), nil
	}

	if kind == jni.KindObject {
		h, err := env.CallObjectMethod(self, m.Method, values...)
		if err != nil {
			return nil, err
		}
		return cc.unmarshal(m.Return, h)
	}
	v, err := env.CallMethod(self, m.Method, kind, values...)
	if err != nil {
		return nil, err
	}
	return unmarshalValue(m.Return, v), nil
}

// TryGetField reads the first field of the set whose staticness matches
// self.
func (r *Registry) TryGetField(env *jni.Env, self *jni.Handle, fields []*MemberInfo) (any, bool, error) {
	if self != nil {
		if err := self.Check("TryGetField"); err != nil {
			return nil, false, err
		}
	}
	f := selectField(self, fields)
	if f == nil {
		return nil, false, nil
	}
	cc := newCallContext(r, env)
	defer cc.cleanup()

	kind := f.Type.Kind()
	if f.Static {
		cls, err := f.Owner.Class(env)
		if err != nil {
			return nil, true, err
		}
		if kind == jni.KindObject {
			h, err := env.GetStaticObjectField(cls, f.Field)
			if err != nil {
				return nil, true, err
			}
			v, err := cc.unmarshal(f.Type, h)
			return v, true, err
		}
		v, err := env.GetStaticField(cls, f.Field, kind)
		if err != nil {
			return nil, true, err
		}
		return unmarshalValue(f.Type, v), true, nil
	}

	if kind == jni.KindObject {
		h, err := env.GetObjectField(self, f.Field)
		if err != nil {
			return nil, true, err
		}
		v, err := cc.unmarshal(f.Type, h)
		return v, true, err
	}
	v, err := env.GetField(self, f.Field, kind)
	if err != nil {
		return nil, true, err
	}
	return unmarshalValue(f.Type, v), true, nil
}

// TrySetField assigns value to the first field of the set whose
// staticness matches self and whose type accepts value.
func (r *Registry) TrySetField(env *jni.Env, self *jni.Handle, fields []*MemberInfo, value any) (bool, error) {
	if self != nil {
		if err := self.Check("TrySetField"); err != nil {
			return false, err
		}
	}
	cc := newCallContext(r, env)
	defer cc.cleanup()

	arg, err := cc.resolveArg("TrySetField", value)
	if err != nil {
		return false, err
	}
	for _, f := range fields {
		if f.Kind != MemberField || f.Static != (self == nil) {
			continue
		}
		if !cc.compatible(f.Type, arg) {
			continue
		}
		v, err := cc.marshal(f.Type, arg)
		if err != nil {
			return true, fmt.Errorf("value for %s: %w", f, err)
		}
		if f.Static {
			cls, err := f.Owner.Class(env)
			if err != nil {
				return true, err
			}
			return true, env.SetStaticField(cls, f.Field, f.Type.Kind(), v)
		}
		return true, env.SetField(self, f.Field, f.Type.Kind(), v)
	}
	return false, nil
}

func selectField(self *jni.Handle, fields []*MemberInfo) *MemberInfo {
	for _, f := range fields {
		if f.Kind == MemberField && f.Static == (self == nil) {
			return f
		}
	}
	return nil
}
