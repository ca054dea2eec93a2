package jni

// NativeInterface is the per-thread foreign call table (JNIEnv). Functions
// do not return errors: a foreign fault leaves a pending exception that is
// observed through ExceptionOccurred, exactly as on the foreign side.
//
// String contents cross the boundary as UTF-16LE code units. Class, member
// and signature names are UTF-8.
type NativeInterface interface {
	GetVersion() int32

	FindClass(name string) ObjectRef
	GetSuperclass(cls ObjectRef) ObjectRef
	IsAssignableFrom(sub, sup ObjectRef) bool
	GetObjectClass(obj ObjectRef) ObjectRef
	IsInstanceOf(obj, cls ObjectRef) bool
	IsSameObject(a, b ObjectRef) bool

	ThrowNew(cls ObjectRef, message string) int32
	ExceptionOccurred() ObjectRef
	ExceptionClear()

	NewGlobalRef(obj ObjectRef) ObjectRef
	DeleteGlobalRef(obj ObjectRef)
	NewLocalRef(obj ObjectRef) ObjectRef
	DeleteLocalRef(obj ObjectRef)
	NewWeakGlobalRef(obj ObjectRef) ObjectRef
	DeleteWeakGlobalRef(obj ObjectRef)

	GetMethodID(cls ObjectRef, name, sig string) MethodID
	GetStaticMethodID(cls ObjectRef, name, sig string) MethodID
	GetFieldID(cls ObjectRef, name, sig string) FieldID
	GetStaticFieldID(cls ObjectRef, name, sig string) FieldID
	FromReflectedMethod(method ObjectRef) MethodID
	FromReflectedField(field ObjectRef) FieldID

	NewObject(cls ObjectRef, ctor MethodID, args []Value) ObjectRef
	CallMethod(obj ObjectRef, method MethodID, ret Kind, args []Value) Value
	CallStaticMethod(cls ObjectRef, method MethodID, ret Kind, args []Value) Value
	GetField(obj ObjectRef, field FieldID, kind Kind) Value
	SetField(obj ObjectRef, field FieldID, kind Kind, v Value)
	GetStaticField(cls ObjectRef, field FieldID, kind Kind) Value
	SetStaticField(cls ObjectRef, field FieldID, kind Kind, v Value)

	NewString(chars []byte) ObjectRef
	GetStringChars(str ObjectRef) []byte

	GetArrayLength(arr ObjectRef) int32
	NewObjectArray(length int32, elem ObjectRef, init ObjectRef) ObjectRef
	GetObjectArrayElement(arr ObjectRef, index int32) ObjectRef
	SetObjectArrayElement(arr ObjectRef, index int32, v ObjectRef)
	NewPrimitiveArray(kind Kind, length int32) ObjectRef
	GetPrimitiveArrayRegion(arr ObjectRef, kind Kind, start int32, buf []Value)
	SetPrimitiveArrayRegion(arr ObjectRef, kind Kind, start int32, buf []Value)

	RegisterNatives(cls ObjectRef, methods []NativeMethod) int32
	UnregisterNatives(cls ObjectRef) int32
}

// NativeFunc is the shape of a host function the foreign runtime calls for
// a registered native method. this is the receiver for instance methods and
// the class for static ones. Reference arguments belong to the foreign call
// frame.
type NativeFunc func(ni NativeInterface, this ObjectRef, args []Value) Value

// NativeMethod is one RegisterNatives entry.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        NativeFunc
}

// Invoker is the process-wide foreign runtime entry point (JavaVM).
type Invoker interface {
	GetVersion() int32
	AttachCurrentThread() (NativeInterface, error)
	DetachCurrentThread(ni NativeInterface) error
}

// EntryPoint acquires the Invoker at VM construction.
type EntryPoint func() (Invoker, error)

const (
	jniOK  = 0
	jniErr = -1
)
