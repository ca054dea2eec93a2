package jni

import (
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/text/encoding/unicode"
)

// Env is the thread-bound capability through which every foreign call is
// issued. It is obtained from VM.Attach and must only be used on the OS
// thread that attached it.
type Env struct {
	vm         *VM
	ni         NativeInterface
	tid        uint64
	depth      int
	attached   bool
	liveLocals atomic.Int64
}

func (e *Env) VM() *VM {
	return e.vm
}

// Native exposes the raw call table. Callers are responsible for
// exception checks and reference cleanup when using it directly.
func (e *Env) Native() NativeInterface {
	e.checkThread("Env.Native")
	return e.ni
}

// LiveLocals is the number of local handles created through this Env that
// have not been released.
func (e *Env) LiveLocals() int {
	return int(e.liveLocals.Load())
}

func (e *Env) Attached() bool {
	return e.attached
}

// Detach undoes one Attach. The thread is detached from the foreign
// runtime when the outermost attachment is undone.
func (e *Env) Detach() error {
	return e.vm.detach(e)
}

func (e *Env) checkThread(op string) {
	if !e.attached {
		panic(usageError(op, ErrNotAttached))
	}
	if threadAffinityChecked && currentThreadID() != e.tid {
		panic(usageError(op, ErrWrongThread))
	}
}

func (e *Env) newRef(ref ObjectRef, kind RefKind) ObjectRef {
	switch kind {
	case RefLocal:
		return e.ni.NewLocalRef(ref)
	case RefGlobal:
		return e.ni.NewGlobalRef(ref)
	case RefWeakGlobal:
		return e.ni.NewWeakGlobalRef(ref)
	}
	panic(usageErrorf("Env.newRef", "cannot create %s reference", kind))
}

func (e *Env) deleteRef(ref ObjectRef, kind RefKind) {
	switch kind {
	case RefLocal:
		e.ni.DeleteLocalRef(ref)
		e.liveLocals.Add(-1)
	case RefGlobal:
		e.ni.DeleteGlobalRef(ref)
	case RefWeakGlobal:
		e.ni.DeleteWeakGlobalRef(ref)
	}
}

func (e *Env) local(ref ObjectRef) *Handle {
	if ref == 0 {
		return nil
	}
	return newHandle(e, ref, RefLocal)
}

func refOf(h *Handle) ObjectRef {
	if h == nil {
		return 0
	}
	return h.Ref()
}

// checkException converts a pending foreign exception into a
// *JavaException, clearing it and releasing the throwable.
func (e *Env) checkException() error {
	thr := e.ni.ExceptionOccurred()
	if thr == 0 {
		return nil
	}
	e.ni.ExceptionClear()
	exc := e.describeThrowable(thr)
	e.ni.DeleteLocalRef(thr)
	return exc
}

func (e *Env) describeThrowable(thr ObjectRef) *JavaException {
	exc := &JavaException{ClassName: "java/lang/Throwable"}
	ids, err := e.vm.coreIDs(e)
	if err != nil {
		return exc
	}
	cls := e.ni.GetObjectClass(thr)
	if cls != 0 {
		if name, ok := e.rawString(e.ni.CallMethod(cls, ids.classGetName, KindObject, nil).Object()); ok {
			exc.ClassName = strings.ReplaceAll(name, ".", "/")
		}
		e.ni.DeleteLocalRef(cls)
	}
	if msg, ok := e.rawString(e.ni.CallMethod(thr, ids.throwableGetMessage, KindObject, nil).Object()); ok {
		exc.Message = msg
	}
	return exc
}

// discardException clears an exception raised while another one is being
// described.
func (e *Env) discardException() bool {
	thr := e.ni.ExceptionOccurred()
	if thr == 0 {
		return false
	}
	e.ni.ExceptionClear()
	e.ni.DeleteLocalRef(thr)
	return true
}

// rawString decodes and deletes a local string reference produced while
// describing an exception. Nested faults are swallowed.
func (e *Env) rawString(ref ObjectRef) (string, bool) {
	if e.discardException() {
		if ref != 0 {
			e.ni.DeleteLocalRef(ref)
		}
		return "", false
	}
	if ref == 0 {
		return "", false
	}
	defer e.ni.DeleteLocalRef(ref)
	s, err := decodeUTF16(e.ni.GetStringChars(ref))
	if err != nil {
		return "", false
	}
	return s, true
}

func decodeUTF16(chars []byte) (string, error) {
	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(chars)
	if err != nil {
		return "", fmt.Errorf("failed to decode utf16 string: %w", err)
	}
	return string(decoded), nil
}

func encodeUTF16(s string) ([]byte, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode utf16 string: %w", err)
	}
	return encoded, nil
}

// ValidateClassName checks a fully qualified, slash-separated class name.
func ValidateClassName(name string) error {
	if name == "" {
		return usageErrorf("ValidateClassName", "class name is empty")
	}
	if strings.Contains(name, ".") {
		return usageError("ValidateClassName", fmt.Errorf("%w: %q", ErrDotSeparatedName, name))
	}
	return nil
}

func (e *Env) FindClass(name string) (*Handle, error) {
	e.checkThread("Env.FindClass")
	if err := ValidateClassName(name); err != nil {
		return nil, err
	}
	ref := e.ni.FindClass(name)
	if err := e.checkException(); err != nil {
		return nil, err
	}
	if ref == 0 {
		return nil, &JavaException{ClassName: "java/lang/NoClassDefFoundError", Message: name}
	}
	return e.local(ref), nil
}

func (e *Env) GetSuperclass(cls *Handle) *Handle {
	e.checkThread("Env.GetSuperclass")
	return e.local(e.ni.GetSuperclass(cls.Ref()))
}

func (e *Env) GetObjectClass(obj *Handle) (*Handle, error) {
	e.checkThread("Env.GetObjectClass")
	ref := e.ni.GetObjectClass(obj.Ref())
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(ref), nil
}

func (e *Env) IsAssignableFrom(sub, sup *Handle) bool {
	e.checkThread("Env.IsAssignableFrom")
	return e.ni.IsAssignableFrom(sub.Ref(), sup.Ref())
}

func (e *Env) IsInstanceOf(obj, cls *Handle) bool {
	e.checkThread("Env.IsInstanceOf")
	return e.ni.IsInstanceOf(refOf(obj), cls.Ref())
}

func (e *Env) IsSameObject(a, b *Handle) bool {
	e.checkThread("Env.IsSameObject")
	return e.ni.IsSameObject(refOf(a), refOf(b))
}

// ClassName returns the binary name the foreign runtime reports for a
// class object ("java.lang.String", "[I", "int").
func (e *Env) ClassName(cls *Handle) (string, error) {
	ids, err := e.vm.coreIDs(e)
	if err != nil {
		return "", err
	}
	name, err := e.CallObjectMethod(cls, ids.classGetName)
	if err != nil {
		return "", err
	}
	defer name.Release(e)
	return e.GetString(name)
}

func (e *Env) GetMethodID(cls *Handle, name, sig string) (MethodID, error) {
	e.checkThread("Env.GetMethodID")
	id := e.ni.GetMethodID(cls.Ref(), name, sig)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, &JavaException{ClassName: "java/lang/NoSuchMethodError", Message: name + sig}
	}
	return id, nil
}

func (e *Env) GetStaticMethodID(cls *Handle, name, sig string) (MethodID, error) {
	e.checkThread("Env.GetStaticMethodID")
	id := e.ni.GetStaticMethodID(cls.Ref(), name, sig)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, &JavaException{ClassName: "java/lang/NoSuchMethodError", Message: name + sig}
	}
	return id, nil
}

func (e *Env) GetFieldID(cls *Handle, name, sig string) (FieldID, error) {
	e.checkThread("Env.GetFieldID")
	id := e.ni.GetFieldID(cls.Ref(), name, sig)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, &JavaException{ClassName: "java/lang/NoSuchFieldError", Message: name}
	}
	return id, nil
}

func (e *Env) GetStaticFieldID(cls *Handle, name, sig string) (FieldID, error) {
	e.checkThread("Env.GetStaticFieldID")
	id := e.ni.GetStaticFieldID(cls.Ref(), name, sig)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, &JavaException{ClassName: "java/lang/NoSuchFieldError", Message: name}
	}
	return id, nil
}

func (e *Env) FromReflectedMethod(method *Handle) (MethodID, error) {
	e.checkThread("Env.FromReflectedMethod")
	id := e.ni.FromReflectedMethod(method.Ref())
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Env) FromReflectedField(field *Handle) (FieldID, error) {
	e.checkThread("Env.FromReflectedField")
	id := e.ni.FromReflectedField(field.Ref())
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Env) NewObject(cls *Handle, ctor MethodID, args ...Value) (*Handle, error) {
	e.checkThread("Env.NewObject")
	ref := e.ni.NewObject(cls.Ref(), ctor, args)
	if err := e.checkException(); err != nil {
		if ref != 0 {
			e.ni.DeleteLocalRef(ref)
		}
		return nil, err
	}
	return e.local(ref), nil
}

// CallMethod invokes an instance method returning a primitive or void.
// Use CallObjectMethod for reference results.
func (e *Env) CallMethod(obj *Handle, method MethodID, ret Kind, args ...Value) (Value, error) {
	e.checkThread("Env.CallMethod")
	if ret == KindObject {
		return 0, usageErrorf("Env.CallMethod", "use CallObjectMethod for reference results")
	}
	v := e.ni.CallMethod(obj.Ref(), method, ret, args)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Env) CallObjectMethod(obj *Handle, method MethodID, args ...Value) (*Handle, error) {
	e.checkThread("Env.CallObjectMethod")
	v := e.ni.CallMethod(obj.Ref(), method, KindObject, args)
	if err := e.checkException(); err != nil {
		if v.Object() != 0 {
			e.ni.DeleteLocalRef(v.Object())
		}
		return nil, err
	}
	return e.local(v.Object()), nil
}

func (e *Env) CallStaticMethod(cls *Handle, method MethodID, ret Kind, args ...Value) (Value, error) {
	e.checkThread("Env.CallStaticMethod")
	if ret == KindObject {
		return 0, usageErrorf("Env.CallStaticMethod", "use CallStaticObjectMethod for reference results")
	}
	v := e.ni.CallStaticMethod(cls.Ref(), method, ret, args)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Env) CallStaticObjectMethod(cls *Handle, method MethodID, args ...Value) (*Handle, error) {
	e.checkThread("Env.CallStaticObjectMethod")
	v := e.ni.CallStaticMethod(cls.Ref(), method, KindObject, args)
	if err := e.checkException(); err != nil {
		if v.Object() != 0 {
			e.ni.DeleteLocalRef(v.Object())
		}
		return nil, err
	}
	return e.local(v.Object()), nil
}

func (e *Env) GetField(obj *Handle, field FieldID, kind Kind) (Value, error) {
	e.checkThread("Env.GetField")
	if kind == KindObject {
		return 0, usageErrorf("Env.GetField", "use GetObjectField for reference fields")
	}
	v := e.ni.GetField(obj.Ref(), field, kind)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Env) GetObjectField(obj *Handle, field FieldID) (*Handle, error) {
	e.checkThread("Env.GetObjectField")
	v := e.ni.GetField(obj.Ref(), field, KindObject)
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(v.Object()), nil
}

func (e *Env) SetField(obj *Handle, field FieldID, kind Kind, v Value) error {
	e.checkThread("Env.SetField")
	e.ni.SetField(obj.Ref(), field, kind, v)
	return e.checkException()
}

func (e *Env) GetStaticField(cls *Handle, field FieldID, kind Kind) (Value, error) {
	e.checkThread("Env.GetStaticField")
	if kind == KindObject {
		return 0, usageErrorf("Env.GetStaticField", "use GetStaticObjectField for reference fields")
	}
	v := e.ni.GetStaticField(cls.Ref(), field, kind)
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Env) GetStaticObjectField(cls *Handle, field FieldID) (*Handle, error) {
	e.checkThread("Env.GetStaticObjectField")
	v := e.ni.GetStaticField(cls.Ref(), field, KindObject)
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(v.Object()), nil
}

func (e *Env) SetStaticField(cls *Handle, field FieldID, kind Kind, v Value) error {
	e.checkThread("Env.SetStaticField")
	e.ni.SetStaticField(cls.Ref(), field, kind, v)
	return e.checkException()
}

func (e *Env) NewString(s string) (*Handle, error) {
	e.checkThread("Env.NewString")
	chars, err := encodeUTF16(s)
	if err != nil {
		return nil, err
	}
	ref := e.ni.NewString(chars)
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(ref), nil
}

func (e *Env) GetString(str *Handle) (string, error) {
	e.checkThread("Env.GetString")
	chars := e.ni.GetStringChars(str.Ref())
	if err := e.checkException(); err != nil {
		return "", err
	}
	return decodeUTF16(chars)
}

func (e *Env) GetArrayLength(arr *Handle) (int, error) {
	e.checkThread("Env.GetArrayLength")
	n := e.ni.GetArrayLength(arr.Ref())
	if err := e.checkException(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (e *Env) NewObjectArray(length int, elem *Handle, init *Handle) (*Handle, error) {
	e.checkThread("Env.NewObjectArray")
	ref := e.ni.NewObjectArray(int32(length), elem.Ref(), refOf(init))
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(ref), nil
}

func (e *Env) GetObjectArrayElement(arr *Handle, index int) (*Handle, error) {
	e.checkThread("Env.GetObjectArrayElement")
	ref := e.ni.GetObjectArrayElement(arr.Ref(), int32(index))
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return e.local(ref), nil
}

func (e *Env) SetObjectArrayElement(arr *Handle, index int, v *Handle) error {
	e.checkThread("Env.SetObjectArrayElement")
	e.ni.SetObjectArrayElement(arr.Ref(), int32(index), refOf(v))
	return e.checkException()
}

// NewPrimitiveArray creates a primitive array holding values.
func (e *Env) NewPrimitiveArray(kind Kind, values []Value) (*Handle, error) {
	e.checkThread("Env.NewPrimitiveArray")
	if kind == KindVoid || kind == KindObject {
		return nil, usageErrorf("Env.NewPrimitiveArray", "%s is not a primitive kind", kind)
	}
	ref := e.ni.NewPrimitiveArray(kind, int32(len(values)))
	if err := e.checkException(); err != nil {
		return nil, err
	}
	if len(values) > 0 {
		e.ni.SetPrimitiveArrayRegion(ref, kind, 0, values)
		if err := e.checkException(); err != nil {
			e.ni.DeleteLocalRef(ref)
			return nil, err
		}
	}
	return e.local(ref), nil
}

func (e *Env) GetPrimitiveArrayRegion(arr *Handle, kind Kind, start, length int) ([]Value, error) {
	e.checkThread("Env.GetPrimitiveArrayRegion")
	buf := make([]Value, length)
	e.ni.GetPrimitiveArrayRegion(arr.Ref(), kind, int32(start), buf)
	if err := e.checkException(); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Env) SetPrimitiveArrayRegion(arr *Handle, kind Kind, start int, values []Value) error {
	e.checkThread("Env.SetPrimitiveArrayRegion")
	e.ni.SetPrimitiveArrayRegion(arr.Ref(), kind, int32(start), values)
	return e.checkException()
}

// ThrowNew raises a new exception of the named class on the foreign side.
// It is meant for native method implementations.
func (e *Env) ThrowNew(className, message string) error {
	e.checkThread("Env.ThrowNew")
	cls, err := e.FindClass(className)
	if err != nil {
		return err
	}
	defer cls.Release(e)
	if e.ni.ThrowNew(cls.Ref(), message) != jniOK {
		return fmt.Errorf("ThrowNew %s failed", className)
	}
	return nil
}

func (e *Env) RegisterNatives(cls *Handle, methods []NativeMethod) error {
	e.checkThread("Env.RegisterNatives")
	rc := e.ni.RegisterNatives(cls.Ref(), methods)
	if err := e.checkException(); err != nil {
		return err
	}
	if rc != jniOK {
		return fmt.Errorf("RegisterNatives returned %d", rc)
	}
	return nil
}

func (e *Env) UnregisterNatives(cls *Handle) error {
	e.checkThread("Env.UnregisterNatives")
	if rc := e.ni.UnregisterNatives(cls.Ref()); rc != jniOK {
		return fmt.Errorf("UnregisterNatives returned %d", rc)
	}
	return e.checkException()
}
