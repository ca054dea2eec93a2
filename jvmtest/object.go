package jvmtest

import (
	"fmt"
	"strings"

	"github.com/partite-ai/jinterop/jni"
)

// Modifier bits reported by Member.getModifiers.
const (
	ModPublic = 0x0001
	ModStatic = 0x0008
	ModNative = 0x0100
)

// Body implements a simulated method or constructor. Primitive arguments
// arrive as their Go types (int32, bool, ...), references as *Object or nil.
// A Body returns the Go value for the declared return type, a *Object, or a
// string for String results. A non-nil error becomes a pending exception.
type Body func(this *Object, args []any) (any, error)

// Exception is an error a Body returns to raise a specific throwable.
type Exception struct {
	Class   string
	Message string
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Object is an instance in the simulated heap.
type Object struct {
	class  *Class
	fields map[*Field]any
	value  any
}

func (o *Object) Class() *Class {
	return o.class
}

// Value is the host payload of builtin objects: the string of a String, the
// primitive of a box, the message of a Throwable, the *Class of a Class.
func (o *Object) Value() any {
	return o.value
}

// Field returns the value of an instance field by name, searching the class
// hierarchy.
func (o *Object) Field(name string) any {
	for c := o.class; c != nil; c = c.super {
		for _, f := range c.fields {
			if f.name == name && !f.static {
				return o.fields[f]
			}
		}
	}
	return nil
}

// SetField assigns an instance field by name.
func (o *Object) SetField(name string, v any) {
	for c := o.class; c != nil; c = c.super {
		for _, f := range c.fields {
			if f.name == name && !f.static {
				o.fields[f] = v
				return
			}
		}
	}
	panic(fmt.Sprintf("jvmtest: no field %s in %s", name, o.class.name))
}

func (o *Object) String() string {
	if o == nil {
		return "null"
	}
	if s, ok := o.value.(string); ok && o.class.name == "java/lang/String" {
		return s
	}
	return fmt.Sprintf("%s@%p", o.class.name, o)
}

// Class is a simulated class, primitive class, or array class.
type Class struct {
	rt        *Runtime
	name      string
	sig       jni.TypeSignature
	super     *Class
	elem      *Class
	primitive bool

	ctors   []*Method
	methods []*Method
	fields  []*Field

	obj *Object
}

func (c *Class) Name() string {
	return c.name
}

// BinaryName is the name Class.getName reports.
func (c *Class) BinaryName() string {
	if c.primitive {
		return c.name
	}
	return strings.ReplaceAll(c.name, "/", ".")
}

func (c *Class) Super() *Class {
	return c.super
}

func (c *Class) isArray() bool {
	return c.elem != nil
}

// assignableFrom reports whether a value of class sub can be stored where
// c is expected.
func (c *Class) assignableFrom(sub *Class) bool {
	if c == sub {
		return true
	}
	if c.primitive || sub.primitive {
		return false
	}
	if c.isArray() {
		return sub.isArray() && !c.elem.primitive && c.elem.assignableFrom(sub.elem)
	}
	for s := sub.super; s != nil; s = s.super {
		if s == c {
			return true
		}
	}
	return false
}

func (c *Class) findMethod(name, sig string, static bool) *Method {
	if name == "<init>" {
		for _, m := range c.ctors {
			if m.sig == sig {
				return m
			}
		}
		return nil
	}
	for k := c; k != nil; k = k.super {
		for _, m := range k.methods {
			if m.name == name && m.sig == sig && m.static == static {
				return m
			}
		}
	}
	return nil
}

func (c *Class) findField(name, sig string, static bool) *Field {
	for k := c; k != nil; k = k.super {
		for _, f := range k.fields {
			if f.name == name && f.sig.QualifiedReference() == sig && f.static == static {
				return f
			}
		}
	}
	return nil
}

// publicMethods is declared methods first, then inherited methods not
// overridden by name and signature.
func (c *Class) publicMethods() []*Method {
	var ret []*Method
	seen := make(map[string]bool)
	for k := c; k != nil; k = k.super {
		for _, m := range k.methods {
			key := m.name + m.sig
			if seen[key] {
				continue
			}
			seen[key] = true
			ret = append(ret, m)
		}
	}
	return ret
}

func (c *Class) publicFields() []*Field {
	var ret []*Field
	for k := c; k != nil; k = k.super {
		ret = append(ret, k.fields...)
	}
	return ret
}

// Method is a simulated method or constructor.
type Method struct {
	class  *Class
	name   string
	sig    string
	params []jni.TypeSignature
	ret    jni.TypeSignature
	static bool
	native bool
	body   Body
	bound  jni.NativeFunc
	id     jni.MethodID
	obj    *Object
}

func (m *Method) Name() string {
	return m.name
}

func (m *Method) Signature() string {
	return m.sig
}

func (m *Method) modifiers() int32 {
	mod := int32(ModPublic)
	if m.static {
		mod |= ModStatic
	}
	if m.native {
		mod |= ModNative
	}
	return mod
}

// Field is a simulated field.
type Field struct {
	class       *Class
	name        string
	sig         jni.TypeSignature
	static      bool
	staticValue any
	id          jni.FieldID
	obj         *Object
}

func (f *Field) modifiers() int32 {
	mod := int32(ModPublic)
	if f.static {
		mod |= ModStatic
	}
	return mod
}
