package jvmtest

import (
	"fmt"
	"slices"

	"golang.org/x/text/encoding/unicode"

	"github.com/partite-ai/jinterop/internal/table"
	"github.com/partite-ai/jinterop/jni"
)

type localRef struct {
	obj   *Object
	frame int
}

// Thread is an attached thread. It implements jni.NativeInterface; every
// function follows the foreign convention of reporting faults through a
// pending exception.
type Thread struct {
	rt       *Runtime
	id       uint32
	locals   *table.Table[localRef]
	frame    int
	pending  *Object
	detached bool
}

var _ jni.NativeInterface = (*Thread)(nil)

func encodeRef(kind uint64, tid, idx uint32) jni.ObjectRef {
	return jni.ObjectRef(kind<<refKindShift | uint64(tid)<<32 | uint64(idx))
}

func decodeRef(ref jni.ObjectRef) (kind uint64, tid, idx uint32) {
	return uint64(ref) >> refKindShift, uint32(uint64(ref)>>32) & 0x3fffffff, uint32(ref)
}

func (t *Thread) resolveLocked(ref jni.ObjectRef) *Object {
	if ref == 0 {
		return nil
	}
	kind, tid, idx := decodeRef(ref)
	switch kind {
	case refLocal:
		owner, ok := t.rt.threads.Lookup(tid)
		if !ok {
			panic(fmt.Sprintf("jvmtest: local reference 0x%x from a detached thread", uint64(ref)))
		}
		l, ok := owner.locals.Lookup(idx)
		if !ok {
			panic(fmt.Sprintf("jvmtest: invalid local reference 0x%x", uint64(ref)))
		}
		return l.obj
	case refGlobal:
		o, ok := t.rt.globals.Lookup(idx)
		if !ok {
			panic(fmt.Sprintf("jvmtest: invalid global reference 0x%x", uint64(ref)))
		}
		return o
	case refWeak:
		o, ok := t.rt.weaks.Lookup(idx)
		if !ok {
			panic(fmt.Sprintf("jvmtest: invalid weak global reference 0x%x", uint64(ref)))
		}
		return o
	}
	panic(fmt.Sprintf("jvmtest: malformed reference 0x%x", uint64(ref)))
}

func (t *Thread) classLocked(ref jni.ObjectRef) *Class {
	o := t.resolveLocked(ref)
	if o == nil {
		return nil
	}
	c, ok := o.value.(*Class)
	if !ok {
		panic(fmt.Sprintf("jvmtest: reference 0x%x is not a class", uint64(ref)))
	}
	return c
}

func (t *Thread) newLocalLocked(o *Object) jni.ObjectRef {
	if o == nil {
		return 0
	}
	idx := t.locals.Add(localRef{obj: o, frame: t.frame})
	return encodeRef(refLocal, t.id, idx)
}

func (t *Thread) throwLocked(className, message string) {
	t.pending = t.rt.newThrowableLocked(className, message)
}

func (t *Thread) throwErrLocked(err error) {
	if exc, ok := err.(*Exception); ok {
		t.throwLocked(exc.Class, exc.Message)
		return
	}
	t.throwLocked("java/lang/RuntimeException", err.Error())
}

func (t *Thread) faultLocked(function string) bool {
	if f := t.rt.takeFaultLocked(function); f != nil {
		t.throwLocked(f.Class, f.Message)
		return true
	}
	return false
}

func (t *Thread) popFrameLocked(frame int) {
	var drop []uint32
	for idx, l := range t.locals.All() {
		if l.frame == frame {
			drop = append(drop, idx)
		}
	}
	for _, idx := range drop {
		t.locals.Remove(idx)
	}
	t.frame--
}

func (t *Thread) lock() func() {
	t.rt.mu.Lock()
	return t.rt.mu.Unlock
}

func (t *Thread) GetVersion() int32 {
	return t.rt.version
}

func (t *Thread) FindClass(name string) jni.ObjectRef {
	defer t.lock()()
	if t.faultLocked("FindClass") {
		return 0
	}
	c, ok := t.rt.classLocked(name)
	if !ok {
		t.throwLocked("java/lang/NoClassDefFoundError", name)
		return 0
	}
	return t.newLocalLocked(c.obj)
}

func (t *Thread) GetSuperclass(cls jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	c := t.classLocked(cls)
	if c == nil || c.super == nil || c.primitive {
		return 0
	}
	return t.newLocalLocked(c.super.obj)
}

func (t *Thread) IsAssignableFrom(sub, sup jni.ObjectRef) bool {
	defer t.lock()()
	return t.classLocked(sup).assignableFrom(t.classLocked(sub))
}

func (t *Thread) GetObjectClass(obj jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	o := t.resolveLocked(obj)
	if o == nil {
		t.throwLocked("java/lang/NullPointerException", "GetObjectClass on null")
		return 0
	}
	return t.newLocalLocked(o.class.obj)
}

func (t *Thread) IsInstanceOf(obj, cls jni.ObjectRef) bool {
	defer t.lock()()
	o := t.resolveLocked(obj)
	if o == nil {
		return true
	}
	return t.classLocked(cls).assignableFrom(o.class)
}

func (t *Thread) IsSameObject(a, b jni.ObjectRef) bool {
	defer t.lock()()
	return t.resolveLocked(a) == t.resolveLocked(b)
}

func (t *Thread) ThrowNew(cls jni.ObjectRef, message string) int32 {
	defer t.lock()()
	c := t.classLocked(cls)
	o := t.rt.newObjectLocked(c)
	o.value = message
	t.pending = o
	return 0
}

func (t *Thread) ExceptionOccurred() jni.ObjectRef {
	defer t.lock()()
	return t.newLocalLocked(t.pending)
}

func (t *Thread) ExceptionClear() {
	defer t.lock()()
	t.pending = nil
}

func (t *Thread) NewGlobalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	o := t.resolveLocked(obj)
	if o == nil {
		return 0
	}
	return encodeRef(refGlobal, 0, t.rt.globals.Add(o))
}

func (t *Thread) DeleteGlobalRef(obj jni.ObjectRef) {
	if obj == 0 {
		return
	}
	defer t.lock()()
	kind, _, idx := decodeRef(obj)
	if kind != refGlobal {
		panic(fmt.Sprintf("jvmtest: DeleteGlobalRef on non-global reference 0x%x", uint64(obj)))
	}
	t.rt.globals.Remove(idx)
}

func (t *Thread) NewLocalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	return t.newLocalLocked(t.resolveLocked(obj))
}

func (t *Thread) DeleteLocalRef(obj jni.ObjectRef) {
	if obj == 0 {
		return
	}
	defer t.lock()()
	kind, tid, idx := decodeRef(obj)
	if kind != refLocal {
		panic(fmt.Sprintf("jvmtest: DeleteLocalRef on non-local reference 0x%x", uint64(obj)))
	}
	if tid != t.id {
		panic(fmt.Sprintf("jvmtest: DeleteLocalRef of a reference owned by thread %d on thread %d", tid, t.id))
	}
	t.locals.Remove(idx)
}

func (t *Thread) NewWeakGlobalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	o := t.resolveLocked(obj)
	if o == nil {
		return 0
	}
	return encodeRef(refWeak, 0, t.rt.weaks.Add(o))
}

func (t *Thread) DeleteWeakGlobalRef(obj jni.ObjectRef) {
	if obj == 0 {
		return
	}
	defer t.lock()()
	kind, _, idx := decodeRef(obj)
	if kind != refWeak {
		panic(fmt.Sprintf("jvmtest: DeleteWeakGlobalRef on non-weak reference 0x%x", uint64(obj)))
	}
	t.rt.weaks.Remove(idx)
}

func (t *Thread) methodID(function string, cls jni.ObjectRef, name, sig string, static bool) jni.MethodID {
	defer t.lock()()
	if t.faultLocked(function) {
		return 0
	}
	c := t.classLocked(cls)
	m := c.findMethod(name, sig, static)
	if m == nil {
		t.throwLocked("java/lang/NoSuchMethodError", c.name+"."+name+sig)
		return 0
	}
	return m.id
}

func (t *Thread) GetMethodID(cls jni.ObjectRef, name, sig string) jni.MethodID {
	return t.methodID("GetMethodID", cls, name, sig, false)
}

func (t *Thread) GetStaticMethodID(cls jni.ObjectRef, name, sig string) jni.MethodID {
	return t.methodID("GetStaticMethodID", cls, name, sig, true)
}

func (t *Thread) fieldID(function string, cls jni.ObjectRef, name, sig string, static bool) jni.FieldID {
	defer t.lock()()
	if t.faultLocked(function) {
		return 0
	}
	c := t.classLocked(cls)
	f := c.findField(name, sig, static)
	if f == nil {
		t.throwLocked("java/lang/NoSuchFieldError", c.name+"."+name)
		return 0
	}
	return f.id
}

func (t *Thread) GetFieldID(cls jni.ObjectRef, name, sig string) jni.FieldID {
	return t.fieldID("GetFieldID", cls, name, sig, false)
}

func (t *Thread) GetStaticFieldID(cls jni.ObjectRef, name, sig string) jni.FieldID {
	return t.fieldID("GetStaticFieldID", cls, name, sig, true)
}

func (t *Thread) FromReflectedMethod(method jni.ObjectRef) jni.MethodID {
	defer t.lock()()
	if t.faultLocked("FromReflectedMethod") {
		return 0
	}
	o := t.resolveLocked(method)
	m, ok := o.value.(*Method)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", "not a reflected method")
		return 0
	}
	return m.id
}

func (t *Thread) FromReflectedField(field jni.ObjectRef) jni.FieldID {
	defer t.lock()()
	if t.faultLocked("FromReflectedField") {
		return 0
	}
	o := t.resolveLocked(field)
	f, ok := o.value.(*Field)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", "not a reflected field")
		return 0
	}
	return f.id
}

func (t *Thread) NewObject(cls jni.ObjectRef, ctor jni.MethodID, args []jni.Value) jni.ObjectRef {
	t.rt.mu.Lock()
	if t.faultLocked("NewObject") {
		t.rt.mu.Unlock()
		return 0
	}
	c := t.classLocked(cls)
	m, ok := t.rt.methods.Lookup(uint32(ctor))
	if !ok || m.name != "<init>" || m.class != c {
		t.throwLocked("java/lang/NoSuchMethodError", fmt.Sprintf("constructor %d of %s", ctor, c.name))
		t.rt.mu.Unlock()
		return 0
	}
	o := t.rt.newObjectLocked(c)
	t.rt.mu.Unlock()

	t.invoke(m, o, args)

	defer t.lock()()
	if t.pending != nil {
		return 0
	}
	return t.newLocalLocked(o)
}

func (t *Thread) CallMethod(obj jni.ObjectRef, method jni.MethodID, ret jni.Kind, args []jni.Value) jni.Value {
	t.rt.mu.Lock()
	if t.faultLocked("CallMethod") {
		t.rt.mu.Unlock()
		return 0
	}
	m, ok := t.rt.methods.Lookup(uint32(method))
	if !ok || m.static || m.name == "<init>" {
		t.throwLocked("java/lang/NoSuchMethodError", fmt.Sprintf("instance method %d", method))
		t.rt.mu.Unlock()
		return 0
	}
	this := t.resolveLocked(obj)
	if this == nil {
		t.throwLocked("java/lang/NullPointerException", m.name)
		t.rt.mu.Unlock()
		return 0
	}
	if impl := this.class.findMethod(m.name, m.sig, false); impl != nil {
		m = impl
	}
	t.rt.mu.Unlock()
	return t.invoke(m, this, args)
}

func (t *Thread) CallStaticMethod(cls jni.ObjectRef, method jni.MethodID, ret jni.Kind, args []jni.Value) jni.Value {
	t.rt.mu.Lock()
	if t.faultLocked("CallStaticMethod") {
		t.rt.mu.Unlock()
		return 0
	}
	m, ok := t.rt.methods.Lookup(uint32(method))
	if !ok || !m.static {
		t.throwLocked("java/lang/NoSuchMethodError", fmt.Sprintf("static method %d", method))
		t.rt.mu.Unlock()
		return 0
	}
	t.rt.mu.Unlock()
	return t.invoke(m, nil, args)
}

// invoke runs a method body or bound native. It is called without the
// runtime lock held.
func (t *Thread) invoke(m *Method, this *Object, args []jni.Value) jni.Value {
	if len(args) != len(m.params) {
		defer t.lock()()
		t.throwLocked("java/lang/IllegalArgumentException", fmt.Sprintf("%s%s expects %d arguments, got %d", m.name, m.sig, len(m.params), len(args)))
		return 0
	}
	if m.native {
		return t.invokeNative(m, this, args)
	}
	if m.body == nil {
		return 0
	}

	t.rt.mu.Lock()
	goArgs := make([]any, len(args))
	for i, p := range m.params {
		if p.Kind() == jni.KindObject {
			if o := t.resolveLocked(args[i].Object()); o != nil {
				goArgs[i] = o
			}
		} else {
			goArgs[i] = args[i].ToGo(p.Kind())
		}
	}
	t.rt.mu.Unlock()

	result, err := m.body(this, goArgs)

	defer t.lock()()
	if err != nil {
		t.throwErrLocked(err)
		return 0
	}
	switch m.ret.Kind() {
	case jni.KindVoid:
		return 0
	case jni.KindObject:
		o, _ := t.rt.slotFromGo(m.ret, result).(*Object)
		return jni.ObjectValue(t.newLocalLocked(o))
	}
	return t.rt.slotFromGo(m.ret, result).(jni.Value)
}

func (t *Thread) invokeNative(m *Method, this *Object, args []jni.Value) jni.Value {
	t.rt.mu.Lock()
	fn := m.bound
	if fn == nil {
		t.throwLocked("java/lang/UnsatisfiedLinkError", m.class.name+"."+m.name+m.sig)
		t.rt.mu.Unlock()
		return 0
	}
	t.frame++
	frame := t.frame
	var thisRef jni.ObjectRef
	if m.static {
		thisRef = t.newLocalLocked(m.class.obj)
	} else {
		thisRef = t.newLocalLocked(this)
	}
	nativeArgs := slices.Clone(args)
	for i, p := range m.params {
		if p.Kind() == jni.KindObject {
			nativeArgs[i] = jni.ObjectValue(t.newLocalLocked(t.resolveLocked(args[i].Object())))
		}
	}
	t.rt.mu.Unlock()

	ret := fn(t, thisRef, nativeArgs)

	defer t.lock()()
	var out *Object
	if m.ret.Kind() == jni.KindObject && t.pending == nil {
		out = t.resolveLocked(ret.Object())
	}
	t.popFrameLocked(frame)
	switch m.ret.Kind() {
	case jni.KindVoid:
		return 0
	case jni.KindObject:
		return jni.ObjectValue(t.newLocalLocked(out))
	}
	if t.pending != nil {
		return 0
	}
	return ret
}

func (t *Thread) fieldLocked(fid jni.FieldID, static bool) *Field {
	f, ok := t.rt.fields.Lookup(uint32(fid))
	if !ok || f.static != static {
		t.throwLocked("java/lang/NoSuchFieldError", fmt.Sprintf("field %d", fid))
		return nil
	}
	return f
}

func (t *Thread) slotToValueLocked(f *Field, v any) jni.Value {
	if f.sig.Kind() == jni.KindObject {
		o, _ := v.(*Object)
		return jni.ObjectValue(t.newLocalLocked(o))
	}
	return v.(jni.Value)
}

func (t *Thread) valueToSlotLocked(f *Field, v jni.Value) any {
	if f.sig.Kind() == jni.KindObject {
		return t.resolveLocked(v.Object())
	}
	return v
}

func (t *Thread) GetField(obj jni.ObjectRef, field jni.FieldID, kind jni.Kind) jni.Value {
	defer t.lock()()
	if t.faultLocked("GetField") {
		return 0
	}
	f := t.fieldLocked(field, false)
	if f == nil {
		return 0
	}
	o := t.resolveLocked(obj)
	if o == nil {
		t.throwLocked("java/lang/NullPointerException", f.name)
		return 0
	}
	return t.slotToValueLocked(f, o.fields[f])
}

func (t *Thread) SetField(obj jni.ObjectRef, field jni.FieldID, kind jni.Kind, v jni.Value) {
	defer t.lock()()
	if t.faultLocked("SetField") {
		return
	}
	f := t.fieldLocked(field, false)
	if f == nil {
		return
	}
	o := t.resolveLocked(obj)
	if o == nil {
		t.throwLocked("java/lang/NullPointerException", f.name)
		return
	}
	o.fields[f] = t.valueToSlotLocked(f, v)
}

func (t *Thread) GetStaticField(cls jni.ObjectRef, field jni.FieldID, kind jni.Kind) jni.Value {
	defer t.lock()()
	if t.faultLocked("GetStaticField") {
		return 0
	}
	f := t.fieldLocked(field, true)
	if f == nil {
		return 0
	}
	return t.slotToValueLocked(f, f.staticValue)
}

func (t *Thread) SetStaticField(cls jni.ObjectRef, field jni.FieldID, kind jni.Kind, v jni.Value) {
	defer t.lock()()
	if t.faultLocked("SetStaticField") {
		return
	}
	f := t.fieldLocked(field, true)
	if f == nil {
		return
	}
	f.staticValue = t.valueToSlotLocked(f, v)
}

func (t *Thread) NewString(chars []byte) jni.ObjectRef {
	defer t.lock()()
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(chars)
	if err != nil {
		t.throwLocked("java/lang/IllegalArgumentException", err.Error())
		return 0
	}
	return t.newLocalLocked(t.rt.newStringLocked(string(s)))
}

func (t *Thread) GetStringChars(str jni.ObjectRef) []byte {
	defer t.lock()()
	o := t.resolveLocked(str)
	if o == nil {
		t.throwLocked("java/lang/NullPointerException", "GetStringChars on null")
		return nil
	}
	s, ok := o.value.(string)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", "not a string")
		return nil
	}
	chars, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.throwLocked("java/lang/IllegalArgumentException", err.Error())
		return nil
	}
	return chars
}

func (t *Thread) GetArrayLength(arr jni.ObjectRef) int32 {
	defer t.lock()()
	o := t.resolveLocked(arr)
	if o == nil {
		t.throwLocked("java/lang/NullPointerException", "GetArrayLength on null")
		return 0
	}
	switch v := o.value.(type) {
	case []*Object:
		return int32(len(v))
	case []jni.Value:
		return int32(len(v))
	}
	t.throwLocked("java/lang/IllegalArgumentException", "not an array")
	return 0
}

func (t *Thread) NewObjectArray(length int32, elem jni.ObjectRef, init jni.ObjectRef) jni.ObjectRef {
	defer t.lock()()
	if length < 0 {
		t.throwLocked("java/lang/NegativeArraySizeException", fmt.Sprint(length))
		return 0
	}
	c := t.classLocked(elem)
	arrCls, _ := t.rt.classForSignatureLocked(c.sig.AddArrayRank(1))
	v := t.resolveLocked(init)
	elems := make([]*Object, length)
	for i := range elems {
		elems[i] = v
	}
	return t.newLocalLocked(&Object{class: arrCls, value: elems})
}

func (t *Thread) GetObjectArrayElement(arr jni.ObjectRef, index int32) jni.ObjectRef {
	defer t.lock()()
	elems, ok := t.resolveLocked(arr).value.([]*Object)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", "not an object array")
		return 0
	}
	if index < 0 || int(index) >= len(elems) {
		t.throwLocked("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprint(index))
		return 0
	}
	return t.newLocalLocked(elems[index])
}

func (t *Thread) SetObjectArrayElement(arr jni.ObjectRef, index int32, v jni.ObjectRef) {
	defer t.lock()()
	o := t.resolveLocked(arr)
	elems, ok := o.value.([]*Object)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", "not an object array")
		return
	}
	if index < 0 || int(index) >= len(elems) {
		t.throwLocked("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprint(index))
		return
	}
	e := t.resolveLocked(v)
	if e != nil && !o.class.elem.assignableFrom(e.class) {
		t.throwLocked("java/lang/ArrayStoreException", e.class.BinaryName())
		return
	}
	elems[index] = e
}

func (t *Thread) NewPrimitiveArray(kind jni.Kind, length int32) jni.ObjectRef {
	defer t.lock()()
	if length < 0 {
		t.throwLocked("java/lang/NegativeArraySizeException", fmt.Sprint(length))
		return 0
	}
	sig := jni.TypeSignature{SimpleReference: kind.Keyword(), ArrayRank: 1, IsKeyword: true}
	arrCls, ok := t.rt.classForSignatureLocked(sig)
	if !ok {
		t.throwLocked("java/lang/IllegalArgumentException", fmt.Sprintf("no primitive array of %s", kind))
		return 0
	}
	return t.newLocalLocked(&Object{class: arrCls, value: make([]jni.Value, length)})
}

func (t *Thread) primitiveRegionLocked(arr jni.ObjectRef, kind jni.Kind, start int32, n int) []jni.Value {
	o := t.resolveLocked(arr)
	elems, ok := o.value.([]jni.Value)
	if !ok || o.class.elem.sig.Kind() != kind {
		t.throwLocked("java/lang/IllegalArgumentException", fmt.Sprintf("not a %s array", kind))
		return nil
	}
	if start < 0 || int(start)+n > len(elems) {
		t.throwLocked("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprintf("%d+%d", start, n))
		return nil
	}
	return elems[start : int(start)+n]
}

func (t *Thread) GetPrimitiveArrayRegion(arr jni.ObjectRef, kind jni.Kind, start int32, buf []jni.Value) {
	defer t.lock()()
	if region := t.primitiveRegionLocked(arr, kind, start, len(buf)); region != nil {
		copy(buf, region)
	}
}

func (t *Thread) SetPrimitiveArrayRegion(arr jni.ObjectRef, kind jni.Kind, start int32, buf []jni.Value) {
	defer t.lock()()
	if region := t.primitiveRegionLocked(arr, kind, start, len(buf)); region != nil {
		copy(region, buf)
	}
}

func (t *Thread) RegisterNatives(cls jni.ObjectRef, methods []jni.NativeMethod) int32 {
	defer t.lock()()
	c := t.classLocked(cls)
	targets := make([]*Method, len(methods))
	for i, nm := range methods {
		idx := slices.IndexFunc(c.methods, func(m *Method) bool {
			return m.native && m.name == nm.Name && m.sig == nm.Signature
		})
		if idx < 0 {
			t.throwLocked("java/lang/NoSuchMethodError", c.name+"."+nm.Name+nm.Signature)
			return -1
		}
		targets[i] = c.methods[idx]
	}
	for i, m := range targets {
		m.bound = methods[i].Fn
	}
	return 0
}

func (t *Thread) UnregisterNatives(cls jni.ObjectRef) int32 {
	defer t.lock()()
	c := t.classLocked(cls)
	for _, m := range c.methods {
		m.bound = nil
	}
	return 0
}
