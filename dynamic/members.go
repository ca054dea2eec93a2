package dynamic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/partite-ai/jinterop/jni"
)

type MemberKind int

const (
	MemberConstructor MemberKind = iota
	MemberField
	MemberMethod
)

func (k MemberKind) String() string {
	switch k {
	case MemberConstructor:
		return "constructor"
	case MemberField:
		return "field"
	case MemberMethod:
		return "method"
	}
	return fmt.Sprintf("member(%d)", int(k))
}

const modifierStatic = 0x0008

var errNullClass = errors.New("null class")

// MemberInfo describes one constructor, field or method of a class.
// Parameter signatures of constructors and methods are resolved on first
// use from the retained reflective object.
type MemberInfo struct {
	Kind           MemberKind
	Owner          *ClassInfo
	DeclaringClass string
	Name           string
	Static         bool

	// Method is set for constructors and methods, Field for fields.
	Method jni.MethodID
	Field  jni.FieldID

	// Type is the field type.
	Type jni.TypeSignature
	// Return is the method return type; void for constructors.
	Return jni.TypeSignature

	mu         sync.Mutex
	reflected  *jni.Handle
	params     []jni.TypeSignature
	paramsDone bool
}

func (m *MemberInfo) String() string {
	switch m.Kind {
	case MemberField:
		return fmt.Sprintf("%s.%s:%s", m.DeclaringClass, m.Name, m.Type)
	case MemberConstructor:
		return fmt.Sprintf("%s.<init>", m.DeclaringClass)
	}
	return fmt.Sprintf("%s.%s", m.DeclaringClass, m.Name)
}

// Parameters returns the parameter signatures in declaration order. Fields
// have none.
func (m *MemberInfo) Parameters(env *jni.Env) ([]jni.TypeSignature, error) {
	if m.Kind == MemberField {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paramsDone {
		return m.params, nil
	}
	if !m.reflected.Valid() {
		return nil, fmt.Errorf("member %s is released", m)
	}
	ids, err := m.Owner.registry.reflection(env)
	if err != nil {
		return nil, err
	}
	getter := ids.methodGetParameterTypes
	if m.Kind == MemberConstructor {
		getter = ids.ctorGetParameterTypes
	}
	arr, err := env.CallObjectMethod(m.reflected, getter)
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter types of %s: %w", m, err)
	}
	var params []jni.TypeSignature
	if arr != nil {
		defer arr.Release(env)
		n, err := env.GetArrayLength(arr)
		if err != nil {
			return nil, err
		}
		params = make([]jni.TypeSignature, 0, n)
		for i := range n {
			cls, err := env.GetObjectArrayElement(arr, i)
			if err != nil {
				return nil, err
			}
			sig, err := classSignature(env, cls)
			cls.Release(env)
			if err != nil {
				return nil, fmt.Errorf("parameter %d of %s: %w", i, m, err)
			}
			params = append(params, sig)
		}
	}
	m.params = params
	m.paramsDone = true
	return params, nil
}

// Signature is the method descriptor, for constructors and methods.
func (m *MemberInfo) Signature(env *jni.Env) (string, error) {
	if m.Kind == MemberField {
		return m.Type.QualifiedReference(), nil
	}
	params, err := m.Parameters(env)
	if err != nil {
		return "", err
	}
	return jni.MethodSignature(m.Return, params...), nil
}

func (m *MemberInfo) release(env *jni.Env) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reflected.Valid() {
		m.reflected.Release(env)
	}
	m.reflected = nil
}

// classSignature converts a class object to its type signature.
func classSignature(env *jni.Env, cls *jni.Handle) (jni.TypeSignature, error) {
	if cls == nil {
		return jni.TypeSignature{}, errNullClass
	}
	name, err := env.ClassName(cls)
	if err != nil {
		return jni.TypeSignature{}, err
	}
	return jni.TypeSignatureFromClassName(name)
}

func classSignatureOf(env *jni.Env, obj *jni.Handle, getter jni.MethodID) (jni.TypeSignature, error) {
	cls, err := env.CallObjectMethod(obj, getter)
	if err != nil {
		return jni.TypeSignature{}, err
	}
	if cls == nil {
		return jni.TypeSignature{}, errNullClass
	}
	defer cls.Release(env)
	return classSignature(env, cls)
}

type memberHeader struct {
	name      string
	declaring string
	static    bool
}

func readMemberHeader(env *jni.Env, ids *reflectionIDs, elem *jni.Handle) (memberHeader, error) {
	var hdr memberHeader
	name, err := env.CallObjectMethod(elem, ids.memberGetName)
	if err != nil {
		return hdr, err
	}
	if name != nil {
		hdr.name, err = env.GetString(name)
		name.Release(env)
		if err != nil {
			return hdr, err
		}
	}
	mods, err := env.CallMethod(elem, ids.memberGetModifiers, jni.KindInt)
	if err != nil {
		return hdr, err
	}
	hdr.static = mods.Int()&modifierStatic != 0

	declaring, err := classSignatureOf(env, elem, ids.memberGetDeclaringClass)
	if err != nil {
		return hdr, err
	}
	hdr.declaring = declaring.Name()
	return hdr, nil
}

func (c *ClassInfo) newConstructor(env *jni.Env, ids *reflectionIDs, elem *jni.Handle) (*MemberInfo, error) {
	hdr, err := readMemberHeader(env, ids, elem)
	if err != nil {
		return nil, err
	}
	id, err := env.FromReflectedMethod(elem)
	if err != nil {
		return nil, err
	}
	return &MemberInfo{
		Kind:           MemberConstructor,
		Owner:          c,
		DeclaringClass: hdr.declaring,
		Name:           "<init>",
		Method:         id,
		Return:         jni.TypeSignature{SimpleReference: jni.KindVoid.Keyword(), IsKeyword: true},
		reflected:      elem.NewRef(env, jni.RefGlobal),
	}, nil
}

func (c *ClassInfo) newMethod(env *jni.Env, ids *reflectionIDs, elem *jni.Handle) (*MemberInfo, error) {
	hdr, err := readMemberHeader(env, ids, elem)
	if err != nil {
		return nil, err
	}
	id, err := env.FromReflectedMethod(elem)
	if err != nil {
		return nil, err
	}
	ret, err := classSignatureOf(env, elem, ids.methodGetReturnType)
	if err != nil {
		return nil, fmt.Errorf("return type of %s: %w", hdr.name, err)
	}
	return &MemberInfo{
		Kind:           MemberMethod,
		Owner:          c,
		DeclaringClass: hdr.declaring,
		Name:           hdr.name,
		Static:         hdr.static,
		Method:         id,
		Return:         ret,
		reflected:      elem.NewRef(env, jni.RefGlobal),
	}, nil
}

func (c *ClassInfo) newField(env *jni.Env, ids *reflectionIDs, elem *jni.Handle) (*MemberInfo, error) {
	hdr, err := readMemberHeader(env, ids, elem)
	if err != nil {
		return nil, err
	}
	id, err := env.FromReflectedField(elem)
	if err != nil {
		return nil, err
	}
	typ, err := classSignatureOf(env, elem, ids.fieldGetType)
	if err != nil {
		return nil, fmt.Errorf("type of %s: %w", hdr.name, err)
	}
	return &MemberInfo{
		Kind:           MemberField,
		Owner:          c,
		DeclaringClass: hdr.declaring,
		Name:           hdr.name,
		Static:         hdr.static,
		Field:          id,
		Type:           typ,
	}, nil
}

// isObjectClass reports whether sig is the root reference type.
func isObjectClass(sig jni.TypeSignature) bool {
	return sig.ArrayRank == 0 && !sig.IsKeyword && sig.SimpleReference == "java/lang/Object"
}
