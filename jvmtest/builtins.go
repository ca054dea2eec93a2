package jvmtest

import (
	"fmt"

	"github.com/partite-ai/jinterop/jni"
)

var throwables = []struct{ name, super string }{
	{"java/lang/Exception", "java/lang/Throwable"},
	{"java/lang/Error", "java/lang/Throwable"},
	{"java/lang/RuntimeException", "java/lang/Exception"},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
	{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
	{"java/lang/NullPointerException", "java/lang/RuntimeException"},
	{"java/lang/ClassCastException", "java/lang/RuntimeException"},
	{"java/lang/ArithmeticException", "java/lang/RuntimeException"},
	{"java/lang/ArrayStoreException", "java/lang/RuntimeException"},
	{"java/lang/NegativeArraySizeException", "java/lang/RuntimeException"},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
	{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
	{"java/lang/LinkageError", "java/lang/Error"},
	{"java/lang/NoClassDefFoundError", "java/lang/LinkageError"},
	{"java/lang/UnsatisfiedLinkError", "java/lang/LinkageError"},
	{"java/lang/IncompatibleClassChangeError", "java/lang/LinkageError"},
	{"java/lang/NoSuchMethodError", "java/lang/IncompatibleClassChangeError"},
	{"java/lang/NoSuchFieldError", "java/lang/IncompatibleClassChangeError"},
}

var boxes = []struct {
	name   string
	kind   jni.Kind
	getter string
}{
	{"java/lang/Boolean", jni.KindBoolean, "booleanValue"},
	{"java/lang/Byte", jni.KindByte, "byteValue"},
	{"java/lang/Character", jni.KindChar, "charValue"},
	{"java/lang/Short", jni.KindShort, "shortValue"},
	{"java/lang/Integer", jni.KindInt, "intValue"},
	{"java/lang/Long", jni.KindLong, "longValue"},
	{"java/lang/Float", jni.KindFloat, "floatValue"},
	{"java/lang/Double", jni.KindDouble, "doubleValue"},
}

func (rt *Runtime) mustDefineLocked(def ClassDef) *Class {
	c, err := rt.defineLocked(def)
	if err != nil {
		panic(err)
	}
	return c
}

func (rt *Runtime) bootstrap() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	object := rt.mustDefineLocked(ClassDef{
		Name:         "java/lang/Object",
		Constructors: []ConstructorDef{{Signature: "()V"}},
		Methods: []MethodDef{
			{Name: "toString", Signature: "()Ljava/lang/String;", Body: func(this *Object, _ []any) (any, error) {
				return this.String(), nil
			}},
			{Name: "equals", Signature: "(Ljava/lang/Object;)Z", Body: func(this *Object, args []any) (any, error) {
				other, _ := args[0].(*Object)
				return this == other, nil
			}},
			{Name: "getClass", Signature: "()Ljava/lang/Class;", Body: func(this *Object, _ []any) (any, error) {
				return this.class.obj, nil
			}},
		},
	})
	class := rt.mustDefineLocked(ClassDef{
		Name: "java/lang/Class",
		Methods: []MethodDef{
			{Name: "getName", Signature: "()Ljava/lang/String;", Body: func(this *Object, _ []any) (any, error) {
				return this.value.(*Class).BinaryName(), nil
			}},
			{Name: "isArray", Signature: "()Z", Body: func(this *Object, _ []any) (any, error) {
				return this.value.(*Class).isArray(), nil
			}},
			{Name: "isPrimitive", Signature: "()Z", Body: func(this *Object, _ []any) (any, error) {
				return this.value.(*Class).primitive, nil
			}},
			{Name: "getConstructors", Signature: "()[Ljava/lang/reflect/Constructor;", Body: rt.classGetConstructors},
			{Name: "getFields", Signature: "()[Ljava/lang/reflect/Field;", Body: rt.classGetFields},
			{Name: "getMethods", Signature: "()[Ljava/lang/reflect/Method;", Body: rt.classGetMethods},
		},
	})
	object.obj = &Object{class: class, value: object}
	class.obj = &Object{class: class, value: class}

	for k, name := range map[jni.Kind]string{
		jni.KindVoid:    "void",
		jni.KindBoolean: "boolean",
		jni.KindByte:    "byte",
		jni.KindChar:    "char",
		jni.KindShort:   "short",
		jni.KindInt:     "int",
		jni.KindLong:    "long",
		jni.KindFloat:   "float",
		jni.KindDouble:  "double",
	} {
		p := &Class{
			rt:        rt,
			name:      name,
			sig:       jni.TypeSignature{SimpleReference: k.Keyword(), IsKeyword: true},
			primitive: true,
		}
		p.obj = &Object{class: class, value: p}
		rt.primitives[k] = p
	}

	rt.mustDefineLocked(ClassDef{
		Name: "java/lang/String",
		Constructors: []ConstructorDef{{Signature: "()V", Body: func(this *Object, _ []any) (any, error) {
			this.value = ""
			return nil, nil
		}}},
		Methods: []MethodDef{
			{Name: "length", Signature: "()I", Body: func(this *Object, _ []any) (any, error) {
				return int32(len([]rune(this.value.(string)))), nil
			}},
			{Name: "toString", Signature: "()Ljava/lang/String;", Body: func(this *Object, _ []any) (any, error) {
				return this, nil
			}},
			{Name: "concat", Signature: "(Ljava/lang/String;)Ljava/lang/String;", Body: func(this *Object, args []any) (any, error) {
				other, ok := args[0].(*Object)
				if !ok {
					return nil, &Exception{Class: "java/lang/NullPointerException", Message: "concat"}
				}
				return this.value.(string) + other.value.(string), nil
			}},
		},
	})

	rt.mustDefineLocked(ClassDef{
		Name: "java/lang/reflect/Member",
		Methods: []MethodDef{
			{Name: "getName", Signature: "()Ljava/lang/String;", Body: memberName},
			{Name: "getModifiers", Signature: "()I", Body: memberModifiers},
			{Name: "getDeclaringClass", Signature: "()Ljava/lang/Class;", Body: memberDeclaringClass},
		},
	})
	rt.mustDefineLocked(ClassDef{
		Name:  "java/lang/reflect/Constructor",
		Super: "java/lang/reflect/Member",
		Methods: []MethodDef{
			{Name: "getParameterTypes", Signature: "()[Ljava/lang/Class;", Body: rt.methodParameterTypes},
		},
	})
	rt.mustDefineLocked(ClassDef{
		Name:  "java/lang/reflect/Method",
		Super: "java/lang/reflect/Member",
		Methods: []MethodDef{
			{Name: "getParameterTypes", Signature: "()[Ljava/lang/Class;", Body: rt.methodParameterTypes},
			{Name: "getReturnType", Signature: "()Ljava/lang/Class;", Body: rt.methodReturnType},
		},
	})
	rt.mustDefineLocked(ClassDef{
		Name:  "java/lang/reflect/Field",
		Super: "java/lang/reflect/Member",
		Methods: []MethodDef{
			{Name: "getType", Signature: "()Ljava/lang/Class;", Body: rt.fieldType},
		},
	})

	setMessage := func(this *Object, args []any) (any, error) {
		if len(args) == 1 {
			if msg, ok := args[0].(*Object); ok {
				this.value = msg.value
			}
		}
		return nil, nil
	}
	rt.mustDefineLocked(ClassDef{
		Name: "java/lang/Throwable",
		Constructors: []ConstructorDef{
			{Signature: "()V", Body: setMessage},
			{Signature: "(Ljava/lang/String;)V", Body: setMessage},
		},
		Methods: []MethodDef{
			{Name: "getMessage", Signature: "()Ljava/lang/String;", Body: func(this *Object, _ []any) (any, error) {
				msg, _ := this.value.(string)
				if msg == "" {
					return nil, nil
				}
				return msg, nil
			}},
		},
	})
	for _, th := range throwables {
		rt.mustDefineLocked(ClassDef{
			Name:  th.name,
			Super: th.super,
			Constructors: []ConstructorDef{
				{Signature: "()V", Body: setMessage},
				{Signature: "(Ljava/lang/String;)V", Body: setMessage},
			},
		})
	}

	for _, b := range boxes {
		sig := jni.TypeSignature{SimpleReference: b.kind.Keyword(), IsKeyword: true}
		desc := "L" + b.name + ";"
		rt.mustDefineLocked(ClassDef{
			Name: b.name,
			Methods: []MethodDef{
				{Name: "valueOf", Signature: "(" + b.kind.Keyword() + ")" + desc, Static: true, Body: rt.boxValueOf(b.name, sig)},
				{Name: b.getter, Signature: "()" + b.kind.Keyword(), Body: func(this *Object, _ []any) (any, error) {
					return this.value.(jni.Value), nil
				}},
				{Name: "toString", Signature: "()Ljava/lang/String;", Body: func(this *Object, _ []any) (any, error) {
					return fmt.Sprint(this.value.(jni.Value).ToGo(sig.Kind())), nil
				}},
			},
		})
	}
}

func (rt *Runtime) boxValueOf(name string, sig jni.TypeSignature) Body {
	return func(_ *Object, args []any) (any, error) {
		v, err := jni.PrimitiveValue(sig.Kind(), args[0])
		if err != nil {
			return nil, err
		}
		rt.mu.Lock()
		defer rt.mu.Unlock()
		o := rt.newObjectLocked(rt.classes[name])
		o.value = v
		return o, nil
	}
}

// reflectObjectLocked returns the cached reflective object of a member.
func (rt *Runtime) reflectMethodLocked(m *Method) *Object {
	if m.obj == nil {
		cls := "java/lang/reflect/Method"
		if m.name == "<init>" {
			cls = "java/lang/reflect/Constructor"
		}
		m.obj = &Object{class: rt.classes[cls], value: m}
	}
	return m.obj
}

func (rt *Runtime) reflectFieldLocked(f *Field) *Object {
	if f.obj == nil {
		f.obj = &Object{class: rt.classes["java/lang/reflect/Field"], value: f}
	}
	return f.obj
}

func (rt *Runtime) newObjectArrayLocked(elemClass string, elems []*Object) *Object {
	c, _ := rt.classForSignatureLocked(jni.TypeSignature{SimpleReference: elemClass, ArrayRank: 1})
	return &Object{class: c, value: elems}
}

func (rt *Runtime) classGetConstructors(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := this.value.(*Class)
	elems := make([]*Object, 0, len(c.ctors))
	for _, m := range c.ctors {
		elems = append(elems, rt.reflectMethodLocked(m))
	}
	return rt.newObjectArrayLocked("java/lang/reflect/Constructor", elems), nil
}

func (rt *Runtime) classGetFields(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := this.value.(*Class)
	var elems []*Object
	for _, f := range c.publicFields() {
		elems = append(elems, rt.reflectFieldLocked(f))
	}
	return rt.newObjectArrayLocked("java/lang/reflect/Field", elems), nil
}

func (rt *Runtime) classGetMethods(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := this.value.(*Class)
	var elems []*Object
	for _, m := range c.publicMethods() {
		elems = append(elems, rt.reflectMethodLocked(m))
	}
	return rt.newObjectArrayLocked("java/lang/reflect/Method", elems), nil
}

func (rt *Runtime) signatureClassLocked(sig jni.TypeSignature) (*Object, error) {
	c, ok := rt.classForSignatureLocked(sig)
	if !ok {
		return nil, &Exception{Class: "java/lang/NoClassDefFoundError", Message: sig.Name()}
	}
	return c.obj, nil
}

func (rt *Runtime) methodParameterTypes(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m := this.value.(*Method)
	elems := make([]*Object, len(m.params))
	for i, p := range m.params {
		o, err := rt.signatureClassLocked(p)
		if err != nil {
			return nil, err
		}
		elems[i] = o
	}
	return rt.newObjectArrayLocked("java/lang/Class", elems), nil
}

func (rt *Runtime) methodReturnType(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.signatureClassLocked(this.value.(*Method).ret)
}

func (rt *Runtime) fieldType(this *Object, _ []any) (any, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.signatureClassLocked(this.value.(*Field).sig)
}

func memberName(this *Object, _ []any) (any, error) {
	switch m := this.value.(type) {
	case *Method:
		if m.name == "<init>" {
			return m.class.BinaryName(), nil
		}
		return m.name, nil
	case *Field:
		return m.name, nil
	}
	return nil, &Exception{Class: "java/lang/IllegalStateException", Message: "not a member"}
}

func memberModifiers(this *Object, _ []any) (any, error) {
	switch m := this.value.(type) {
	case *Method:
		return m.modifiers(), nil
	case *Field:
		return m.modifiers(), nil
	}
	return nil, &Exception{Class: "java/lang/IllegalStateException", Message: "not a member"}
}

func memberDeclaringClass(this *Object, _ []any) (any, error) {
	switch m := this.value.(type) {
	case *Method:
		return m.class.obj, nil
	case *Field:
		return m.class.obj, nil
	}
	return nil, &Exception{Class: "java/lang/IllegalStateException", Message: "not a member"}
}
