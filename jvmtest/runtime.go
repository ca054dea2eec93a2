// Package jvmtest is an in-process simulation of a JNI-shaped foreign
// runtime. It implements jni.Invoker and jni.NativeInterface with a small
// class model, reflection, local/global/weak reference tables, pending
// exceptions and native method registration.
package jvmtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/partite-ai/jinterop/internal/table"
	"github.com/partite-ai/jinterop/jni"
)

// Version is the interface version the simulation reports by default.
const Version int32 = 0x00010008

const (
	refKindShift = 62
	refLocal     = 1
	refGlobal    = 2
	refWeak      = 3
)

// Runtime is a simulated foreign runtime. It is safe for concurrent use;
// method bodies run without the runtime lock held.
type Runtime struct {
	mu      sync.Mutex
	version int32

	classes    map[string]*Class
	primitives map[jni.Kind]*Class

	globals *table.Table[*Object]
	weaks   *table.Table[*Object]
	methods *table.Table[*Method]
	fields  *table.Table[*Field]

	threads    *table.Table[*Thread]
	attachFail error
	faults     map[string]*Exception
}

type Option func(*Runtime)

// WithVersion overrides the reported interface version.
func WithVersion(v int32) Option {
	return func(rt *Runtime) {
		rt.version = v
	}
}

// WithAttachError makes AttachCurrentThread fail.
func WithAttachError(err error) Option {
	return func(rt *Runtime) {
		rt.attachFail = err
	}
}

func New(opts ...Option) *Runtime {
	rt := &Runtime{
		version:    Version,
		classes:    make(map[string]*Class),
		primitives: make(map[jni.Kind]*Class),
		globals:    table.New[*Object](),
		weaks:      table.New[*Object](),
		methods:    table.New[*Method](),
		fields:     table.New[*Field](),
		threads:    table.New[*Thread](),
		faults:     make(map[string]*Exception),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.bootstrap()
	return rt
}

// EntryPoint returns a jni.EntryPoint yielding this runtime.
func (rt *Runtime) EntryPoint() jni.EntryPoint {
	return func() (jni.Invoker, error) {
		return rt, nil
	}
}

func (rt *Runtime) GetVersion() int32 {
	return rt.version
}

func (rt *Runtime) AttachCurrentThread() (jni.NativeInterface, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.attachFail != nil {
		return nil, rt.attachFail
	}
	t := &Thread{rt: rt, locals: table.New[localRef]()}
	t.id = rt.threads.Add(t)
	return t, nil
}

func (rt *Runtime) DetachCurrentThread(ni jni.NativeInterface) error {
	t, ok := ni.(*Thread)
	if !ok || t.rt != rt {
		return errors.New("jvmtest: not a thread of this runtime")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t.detached {
		return errors.New("jvmtest: thread already detached")
	}
	t.detached = true
	rt.threads.Remove(t.id)
	return nil
}

// ClassDef describes a class to define.
type ClassDef struct {
	Name         string
	Super        string
	Constructors []ConstructorDef
	Fields       []FieldDef
	Methods      []MethodDef
}

type ConstructorDef struct {
	// Signature is the full constructor descriptor, e.g. "(I)V".
	Signature string
	Body      Body
}

type FieldDef struct {
	Name      string
	Signature string
	Static    bool
	Value     any
}

type MethodDef struct {
	Name      string
	Signature string
	Static    bool
	Native    bool
	Body      Body
}

// DefineClass adds a class. The super class must already be defined and
// defaults to java/lang/Object.
func (rt *Runtime) DefineClass(def ClassDef) (*Class, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.defineLocked(def)
}

// MustDefineClass is DefineClass that panics on error.
func (rt *Runtime) MustDefineClass(def ClassDef) *Class {
	c, err := rt.DefineClass(def)
	if err != nil {
		panic(err)
	}
	return c
}

func (rt *Runtime) defineLocked(def ClassDef) (*Class, error) {
	if err := jni.ValidateSimpleReference(def.Name); err != nil {
		return nil, fmt.Errorf("class %q: %w", def.Name, err)
	}
	if _, ok := rt.classes[def.Name]; ok {
		return nil, fmt.Errorf("class %s already defined", def.Name)
	}
	c := &Class{rt: rt, name: def.Name, sig: jni.TypeSignature{SimpleReference: def.Name}}
	superName := def.Super
	if superName == "" && def.Name != "java/lang/Object" {
		superName = "java/lang/Object"
	}
	if superName != "" {
		super, ok := rt.classes[superName]
		if !ok {
			return nil, fmt.Errorf("class %s: super class %s not defined", def.Name, superName)
		}
		c.super = super
	}
	for _, cd := range def.Constructors {
		params, ret, err := jni.ParseMethodSignature(cd.Signature)
		if err != nil {
			return nil, fmt.Errorf("class %s constructor: %w", def.Name, err)
		}
		if ret.Kind() != jni.KindVoid {
			return nil, fmt.Errorf("class %s constructor %s must return void", def.Name, cd.Signature)
		}
		m := &Method{class: c, name: "<init>", sig: cd.Signature, params: params, ret: ret, body: cd.Body}
		m.id = jni.MethodID(rt.methods.Add(m))
		c.ctors = append(c.ctors, m)
	}
	for _, fd := range def.Fields {
		sig, err := jni.ParseTypeSignature(fd.Signature)
		if err != nil {
			return nil, fmt.Errorf("class %s field %s: %w", def.Name, fd.Name, err)
		}
		f := &Field{class: c, name: fd.Name, sig: sig, static: fd.Static}
		if fd.Static {
			f.staticValue = rt.slotFromGo(sig, fd.Value)
		}
		f.id = jni.FieldID(rt.fields.Add(f))
		c.fields = append(c.fields, f)
	}
	for _, md := range def.Methods {
		params, ret, err := jni.ParseMethodSignature(md.Signature)
		if err != nil {
			return nil, fmt.Errorf("class %s method %s: %w", def.Name, md.Name, err)
		}
		if md.Body == nil && !md.Native {
			return nil, fmt.Errorf("class %s method %s has no body", def.Name, md.Name)
		}
		m := &Method{class: c, name: md.Name, sig: md.Signature, params: params, ret: ret, static: md.Static, native: md.Native, body: md.Body}
		m.id = jni.MethodID(rt.methods.Add(m))
		c.methods = append(c.methods, m)
	}
	rt.classes[def.Name] = c
	if cls, ok := rt.classes["java/lang/Class"]; ok {
		c.obj = &Object{class: cls, value: c}
	}
	return c, nil
}

// classLocked resolves a FindClass name, creating array classes on demand.
func (rt *Runtime) classLocked(name string) (*Class, bool) {
	if c, ok := rt.classes[name]; ok {
		return c, true
	}
	if !strings.HasPrefix(name, "[") {
		return nil, false
	}
	sig, err := jni.ParseTypeSignature(name)
	if err != nil || sig.ArrayRank == 0 {
		return nil, false
	}
	return rt.classForSignatureLocked(sig)
}

func (rt *Runtime) classForSignatureLocked(sig jni.TypeSignature) (*Class, bool) {
	if sig.ArrayRank == 0 {
		if sig.IsKeyword {
			c, ok := rt.primitives[sig.Kind()]
			return c, ok
		}
		c, ok := rt.classes[sig.SimpleReference]
		return c, ok
	}
	name := sig.QualifiedReference()
	if c, ok := rt.classes[name]; ok {
		return c, true
	}
	elem, ok := rt.classForSignatureLocked(sig.AddArrayRank(-1))
	if !ok {
		return nil, false
	}
	c := &Class{rt: rt, name: name, sig: sig, super: rt.classes["java/lang/Object"], elem: elem}
	c.obj = &Object{class: rt.classes["java/lang/Class"], value: c}
	rt.classes[name] = c
	return c, true
}

// Class returns a defined class by slash-separated name or array
// descriptor.
func (rt *Runtime) Class(name string) (*Class, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.classLocked(name)
}

func (rt *Runtime) newObjectLocked(c *Class) *Object {
	o := &Object{class: c, fields: make(map[*Field]any)}
	for k := c; k != nil; k = k.super {
		for _, f := range k.fields {
			if !f.static {
				o.fields[f] = zeroSlot(f.sig)
			}
		}
	}
	return o
}

func zeroSlot(sig jni.TypeSignature) any {
	if sig.Kind() == jni.KindObject {
		return (*Object)(nil)
	}
	return jni.Value(0)
}

// NewString allocates a String object.
func (rt *Runtime) NewString(s string) *Object {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.newStringLocked(s)
}

func (rt *Runtime) newStringLocked(s string) *Object {
	return &Object{class: rt.classes["java/lang/String"], value: s}
}

// NewInstance allocates an instance of a defined class without running a
// constructor.
func (rt *Runtime) NewInstance(name string) (*Object, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.classes[name]
	if !ok {
		return nil, fmt.Errorf("class %s not defined", name)
	}
	return rt.newObjectLocked(c), nil
}

func (rt *Runtime) newThrowableLocked(className, message string) *Object {
	c, ok := rt.classes[className]
	if !ok {
		c = rt.classes["java/lang/RuntimeException"]
	}
	o := rt.newObjectLocked(c)
	o.value = message
	return o
}

// InjectFault makes the next call of the named NativeInterface function
// (e.g. "GetMethodID", "CallMethod") on any thread raise the exception.
func (rt *Runtime) InjectFault(function, className, message string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.faults[function] = &Exception{Class: className, Message: message}
}

func (rt *Runtime) takeFaultLocked(function string) *Exception {
	f, ok := rt.faults[function]
	if !ok {
		return nil
	}
	delete(rt.faults, function)
	return f
}

// LocalRefCount is the number of live local references on all threads.
func (rt *Runtime) LocalRefCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, t := range rt.threads.All() {
		n += t.locals.Len()
	}
	return n
}

// GlobalRefCount is the number of live global references.
func (rt *Runtime) GlobalRefCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.globals.Len()
}

// WeakRefCount is the number of live weak global references.
func (rt *Runtime) WeakRefCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.weaks.Len()
}

// ThreadCount is the number of attached threads.
func (rt *Runtime) ThreadCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.threads.Len()
}

// CollectWeakReferents clears every weak global reference, as if their
// referents had been collected.
func (rt *Runtime) CollectWeakReferents() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for idx := range rt.weaks.All() {
		rt.weaks.Set(idx, nil)
	}
}

// slotFromGo converts a Go value used in a definition or returned from a
// Body into the stored form: jni.Value for primitives, *Object otherwise.
func (rt *Runtime) slotFromGo(sig jni.TypeSignature, v any) any {
	if sig.Kind() != jni.KindObject {
		if v == nil {
			return jni.Value(0)
		}
		if jv, ok := v.(jni.Value); ok {
			return jv
		}
		jv, err := jni.PrimitiveValue(sig.Kind(), v)
		if err != nil {
			panic(fmt.Sprintf("jvmtest: %v", err))
		}
		return jv
	}
	switch o := v.(type) {
	case nil:
		return (*Object)(nil)
	case *Object:
		return o
	case string:
		return rt.newStringLocked(o)
	}
	panic(fmt.Sprintf("jvmtest: cannot store %T as %s", v, sig))
}

// slotToGo converts a stored slot into the form a Body receives.
func slotToGo(sig jni.TypeSignature, v any) any {
	if sig.Kind() != jni.KindObject {
		return v.(jni.Value).ToGo(sig.Kind())
	}
	o, _ := v.(*Object)
	if o == nil {
		return nil
	}
	return o
}
