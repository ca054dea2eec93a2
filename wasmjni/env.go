package wasmjni

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/partite-ai/jinterop/jni"
)

// guestEnv is one attached guest thread. Every method runs under the guest
// lock keyed by the env id and releases its scratch memory on return.
type guestEnv struct {
	inv *invoker
	id  uint64
	mc  *memoryContext
}

var _ jni.NativeInterface = (*guestEnv)(nil)

func (e *guestEnv) enter() func() {
	e.inv.lock.acquire(e.id)
	m := e.mc.arena.mark()
	return func() {
		e.mc.arena.reset(m)
		e.inv.lock.release()
	}
}

func (e *guestEnv) fail(function string, err error) {
	if err == nil {
		return
	}
	if _, ok := err.(*TrapError); ok {
		panic(err)
	}
	panic(&TrapError{Function: function, Err: err})
}

// invoke calls the guest function with the env id prepended.
func (e *guestEnv) invoke(function string, params ...uint64) uint64 {
	res, err := e.inv.call(function, append([]uint64{e.id}, params...)...)
	e.fail(function, err)
	if len(res) == 0 {
		return 0
	}
	return res[0]
}

func (e *guestEnv) str(function, s string) (uint64, uint64) {
	ptr, n, err := e.mc.writeString(s)
	e.fail(function, err)
	return api.EncodeU32(ptr), api.EncodeU32(n)
}

func (e *guestEnv) values(function string, vals []jni.Value) (uint64, uint64) {
	ptr, n, err := e.mc.writeValues(vals)
	e.fail(function, err)
	return api.EncodeU32(ptr), api.EncodeU32(n)
}

func ref(r jni.ObjectRef) uint64 {
	return uint64(r)
}

func kind(k jni.Kind) uint64 {
	return api.EncodeI32(int32(k))
}

func (e *guestEnv) GetVersion() int32 {
	defer e.enter()()
	res, err := e.inv.call("jni_GetVersion")
	e.fail("jni_GetVersion", err)
	return api.DecodeI32(res[0])
}

func (e *guestEnv) FindClass(name string) jni.ObjectRef {
	defer e.enter()()
	ptr, n := e.str("jni_FindClass", name)
	return jni.ObjectRef(e.invoke("jni_FindClass", ptr, n))
}

func (e *guestEnv) GetSuperclass(cls jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_GetSuperclass", ref(cls)))
}

func (e *guestEnv) IsAssignableFrom(sub, sup jni.ObjectRef) bool {
	defer e.enter()()
	return api.DecodeI32(e.invoke("jni_IsAssignableFrom", ref(sub), ref(sup))) != 0
}

func (e *guestEnv) GetObjectClass(obj jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_GetObjectClass", ref(obj)))
}

func (e *guestEnv) IsInstanceOf(obj, cls jni.ObjectRef) bool {
	defer e.enter()()
	return api.DecodeI32(e.invoke("jni_IsInstanceOf", ref(obj), ref(cls))) != 0
}

func (e *guestEnv) IsSameObject(a, b jni.ObjectRef) bool {
	defer e.enter()()
	return api.DecodeI32(e.invoke("jni_IsSameObject", ref(a), ref(b))) != 0
}

func (e *guestEnv) ThrowNew(cls jni.ObjectRef, message string) int32 {
	defer e.enter()()
	ptr, n := e.str("jni_ThrowNew", message)
	return api.DecodeI32(e.invoke("jni_ThrowNew", ref(cls), ptr, n))
}

func (e *guestEnv) ExceptionOccurred() jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_ExceptionOccurred"))
}

func (e *guestEnv) ExceptionClear() {
	defer e.enter()()
	e.invoke("jni_ExceptionClear")
}

func (e *guestEnv) NewGlobalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_NewGlobalRef", ref(obj)))
}

func (e *guestEnv) DeleteGlobalRef(obj jni.ObjectRef) {
	defer e.enter()()
	e.invoke("jni_DeleteGlobalRef", ref(obj))
}

func (e *guestEnv) NewLocalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_NewLocalRef", ref(obj)))
}

func (e *guestEnv) DeleteLocalRef(obj jni.ObjectRef) {
	defer e.enter()()
	e.invoke("jni_DeleteLocalRef", ref(obj))
}

func (e *guestEnv) NewWeakGlobalRef(obj jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_NewWeakGlobalRef", ref(obj)))
}

func (e *guestEnv) DeleteWeakGlobalRef(obj jni.ObjectRef) {
	defer e.enter()()
	e.invoke("jni_DeleteWeakGlobalRef", ref(obj))
}

func (e *guestEnv) memberID(function string, cls jni.ObjectRef, name, sig string) uint64 {
	defer e.enter()()
	namePtr, nameLen := e.str(function, name)
	sigPtr, sigLen := e.str(function, sig)
	return e.invoke(function, ref(cls), namePtr, nameLen, sigPtr, sigLen)
}

func (e *guestEnv) GetMethodID(cls jni.ObjectRef, name, sig string) jni.MethodID {
	return jni.MethodID(e.memberID("jni_GetMethodID", cls, name, sig))
}

func (e *guestEnv) GetStaticMethodID(cls jni.ObjectRef, name, sig string) jni.MethodID {
	return jni.MethodID(e.memberID("jni_GetStaticMethodID", cls, name, sig))
}

func (e *guestEnv) GetFieldID(cls jni.ObjectRef, name, sig string) jni.FieldID {
	return jni.FieldID(e.memberID("jni_GetFieldID", cls, name, sig))
}

func (e *guestEnv) GetStaticFieldID(cls jni.ObjectRef, name, sig string) jni.FieldID {
	return jni.FieldID(e.memberID("jni_GetStaticFieldID", cls, name, sig))
}

func (e *guestEnv) FromReflectedMethod(method jni.ObjectRef) jni.MethodID {
	defer e.enter()()
	return jni.MethodID(e.invoke("jni_FromReflectedMethod", ref(method)))
}

func (e *guestEnv) FromReflectedField(field jni.ObjectRef) jni.FieldID {
	defer e.enter()()
	return jni.FieldID(e.invoke("jni_FromReflectedField", ref(field)))
}

func (e *guestEnv) NewObject(cls jni.ObjectRef, ctor jni.MethodID, args []jni.Value) jni.ObjectRef {
	defer e.enter()()
	ptr, n := e.values("jni_NewObject", args)
	return jni.ObjectRef(e.invoke("jni_NewObject", ref(cls), uint64(ctor), ptr, n))
}

func (e *guestEnv) CallMethod(obj jni.ObjectRef, method jni.MethodID, ret jni.Kind, args []jni.Value) jni.Value {
	defer e.enter()()
	ptr, n := e.values("jni_CallMethod", args)
	return jni.Value(e.invoke("jni_CallMethod", ref(obj), uint64(method), kind(ret), ptr, n))
}

func (e *guestEnv) CallStaticMethod(cls jni.ObjectRef, method jni.MethodID, ret jni.Kind, args []jni.Value) jni.Value {
	defer e.enter()()
	ptr, n := e.values("jni_CallStaticMethod", args)
	return jni.Value(e.invoke("jni_CallStaticMethod", ref(cls), uint64(method), kind(ret), ptr, n))
}

func (e *guestEnv) GetField(obj jni.ObjectRef, field jni.FieldID, k jni.Kind) jni.Value {
	defer e.enter()()
	return jni.Value(e.invoke("jni_GetField", ref(obj), uint64(field), kind(k)))
}

func (e *guestEnv) SetField(obj jni.ObjectRef, field jni.FieldID, k jni.Kind, v jni.Value) {
	defer e.enter()()
	e.invoke("jni_SetField", ref(obj), uint64(field), kind(k), uint64(v))
}

func (e *guestEnv) GetStaticField(cls jni.ObjectRef, field jni.FieldID, k jni.Kind) jni.Value {
	defer e.enter()()
	return jni.Value(e.invoke("jni_GetStaticField", ref(cls), uint64(field), kind(k)))
}

func (e *guestEnv) SetStaticField(cls jni.ObjectRef, field jni.FieldID, k jni.Kind, v jni.Value) {
	defer e.enter()()
	e.invoke("jni_SetStaticField", ref(cls), uint64(field), kind(k), uint64(v))
}

func (e *guestEnv) NewString(chars []byte) jni.ObjectRef {
	defer e.enter()()
	ptr, err := e.mc.writeBytes(chars, 2)
	e.fail("jni_NewString", err)
	return jni.ObjectRef(e.invoke("jni_NewString", api.EncodeU32(ptr), api.EncodeU32(uint32(len(chars)/2))))
}

func (e *guestEnv) GetStringChars(str jni.ObjectRef) []byte {
	defer e.enter()()
	n := api.DecodeI32(e.invoke("jni_GetStringLength", ref(str)))
	if n < 0 {
		return nil
	}
	if n == 0 {
		return []byte{}
	}
	size := uint32(n) * 2
	ptr, err := e.mc.arena.alloc(size, 2)
	e.fail("jni_GetStringRegion", err)
	e.invoke("jni_GetStringRegion", ref(str), api.EncodeU32(ptr))
	chars, ok := e.mc.memory.Read(ptr, size)
	if !ok {
		e.fail("jni_GetStringRegion", fmt.Errorf("failed to read string bytes at ptr %d with length %d: %w", ptr, size, errOutOfRange))
	}
	return bytes.Clone(chars)
}

func (e *guestEnv) GetArrayLength(arr jni.ObjectRef) int32 {
	defer e.enter()()
	return api.DecodeI32(e.invoke("jni_GetArrayLength", ref(arr)))
}

func (e *guestEnv) NewObjectArray(length int32, elem jni.ObjectRef, init jni.ObjectRef) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_NewObjectArray", api.EncodeI32(length), ref(elem), ref(init)))
}

func (e *guestEnv) GetObjectArrayElement(arr jni.ObjectRef, index int32) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_GetObjectArrayElement", ref(arr), api.EncodeI32(index)))
}

func (e *guestEnv) SetObjectArrayElement(arr jni.ObjectRef, index int32, v jni.ObjectRef) {
	defer e.enter()()
	e.invoke("jni_SetObjectArrayElement", ref(arr), api.EncodeI32(index), ref(v))
}

func (e *guestEnv) NewPrimitiveArray(k jni.Kind, length int32) jni.ObjectRef {
	defer e.enter()()
	return jni.ObjectRef(e.invoke("jni_NewPrimitiveArray", kind(k), api.EncodeI32(length)))
}

func (e *guestEnv) GetPrimitiveArrayRegion(arr jni.ObjectRef, k jni.Kind, start int32, buf []jni.Value) {
	defer e.enter()()
	n := uint32(len(buf))
	ptr, err := e.mc.arena.alloc(n*8, 8)
	e.fail("jni_GetPrimitiveArrayRegion", err)
	e.invoke("jni_GetPrimitiveArrayRegion", ref(arr), kind(k), api.EncodeI32(start), api.EncodeU32(ptr), api.EncodeU32(n))
	e.fail("jni_GetPrimitiveArrayRegion", readValues(e.mc.memory, ptr, n, buf))
}

func (e *guestEnv) SetPrimitiveArrayRegion(arr jni.ObjectRef, k jni.Kind, start int32, buf []jni.Value) {
	defer e.enter()()
	ptr, n := e.values("jni_SetPrimitiveArrayRegion", buf)
	e.invoke("jni_SetPrimitiveArrayRegion", ref(arr), kind(k), api.EncodeI32(start), ptr, n)
}

// RegisterNatives hands the guest one token per method. Tokens stay
// registered with the host until it is closed; a rejected registration
// drops them again.
func (e *guestEnv) RegisterNatives(cls jni.ObjectRef, methods []jni.NativeMethod) (rc int32) {
	defer e.enter()()
	const function = "jni_RegisterNatives"
	tokens := make([]uint64, 0, len(methods))
	defer func() {
		if rc != 0 {
			e.inv.host.removeNatives(tokens)
		}
	}()
	rc = -1

	records, err := e.mc.arena.alloc(uint32(len(methods))*nativeRecordSize, 8)
	e.fail(function, err)
	mem := e.mc.memory
	for i, m := range methods {
		namePtr, nameLen, err := e.mc.writeString(m.Name)
		e.fail(function, err)
		sigPtr, sigLen, err := e.mc.writeString(m.Signature)
		e.fail(function, err)
		tok := e.inv.host.addNative(m.Fn)
		tokens = append(tokens, tok)

		offset := records + uint32(i)*nativeRecordSize
		ok := mem.WriteUint32Le(offset, namePtr) &&
			mem.WriteUint32Le(offset+4, nameLen) &&
			mem.WriteUint32Le(offset+8, sigPtr) &&
			mem.WriteUint32Le(offset+12, sigLen) &&
			mem.WriteUint64Le(offset+16, tok)
		if !ok {
			e.fail(function, fmt.Errorf("failed to write native record at offset %d: %w", offset, errOutOfRange))
		}
	}
	rc = api.DecodeI32(e.invoke(function, ref(cls), api.EncodeU32(records), api.EncodeU32(uint32(len(methods)))))
	return rc
}

func (e *guestEnv) UnregisterNatives(cls jni.ObjectRef) int32 {
	defer e.enter()()
	return api.DecodeI32(e.invoke("jni_UnregisterNatives", ref(cls)))
}
