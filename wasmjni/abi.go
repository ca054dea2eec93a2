// Package wasmjni runs the foreign side of a jni.VM inside a WebAssembly
// guest hosted by wazero.
//
// The guest exports one function per NativeInterface entry, named
// jni_<Function>, taking the env id as its first parameter. References,
// member ids and value slots are i64; booleans, kinds, lengths and indexes
// are i32. Names and signatures are passed as UTF-8 (ptr, len) pairs in
// guest memory; string contents as UTF-16LE (ptr, code units). Value lists
// are (ptr, n) runs of little-endian 8-byte slots. Scratch memory is
// obtained from the guest's cabi_realloc export.
//
// Native methods registered by the host are called back through the
// jni_host.native_call import:
//
//	native_call(env i64, token i64, this i64, args_ptr i32, nargs i32) -> i64
//
// A trap inside the guest while serving a NativeInterface call panics with
// a *TrapError: the foreign call table has no error channel.
package wasmjni

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"
)

const (
	// HostModuleName is the import module the guest links native_call from.
	HostModuleName = "jni_host"

	// NativeCallName is the function guests call to run a registered
	// native method.
	NativeCallName = "native_call"
	reallocName    = "cabi_realloc"
	memoryName     = "memory"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

func funcOf(results []api.ValueType, params ...api.ValueType) funcType {
	return funcType{params: params, results: results}
}

var (
	none   []api.ValueType
	retI32 = []api.ValueType{i32}
	retI64 = []api.ValueType{i64}
)

// guestFunctions is the export surface a guest must provide.
var guestFunctions = map[string]funcType{
	"jni_GetVersion":          funcOf(retI32),
	"jni_AttachCurrentThread": funcOf(retI64),
	"jni_DetachCurrentThread": funcOf(retI32, i64),

	"jni_FindClass":        funcOf(retI64, i64, i32, i32),
	"jni_GetSuperclass":    funcOf(retI64, i64, i64),
	"jni_IsAssignableFrom": funcOf(retI32, i64, i64, i64),
	"jni_GetObjectClass":   funcOf(retI64, i64, i64),
	"jni_IsInstanceOf":     funcOf(retI32, i64, i64, i64),
	"jni_IsSameObject":     funcOf(retI32, i64, i64, i64),

	"jni_ThrowNew":          funcOf(retI32, i64, i64, i32, i32),
	"jni_ExceptionOccurred": funcOf(retI64, i64),
	"jni_ExceptionClear":    funcOf(none, i64),

	"jni_NewGlobalRef":        funcOf(retI64, i64, i64),
	"jni_DeleteGlobalRef":     funcOf(none, i64, i64),
	"jni_NewLocalRef":         funcOf(retI64, i64, i64),
	"jni_DeleteLocalRef":      funcOf(none, i64, i64),
	"jni_NewWeakGlobalRef":    funcOf(retI64, i64, i64),
	"jni_DeleteWeakGlobalRef": funcOf(none, i64, i64),

	"jni_GetMethodID":         funcOf(retI64, i64, i64, i32, i32, i32, i32),
	"jni_GetStaticMethodID":   funcOf(retI64, i64, i64, i32, i32, i32, i32),
	"jni_GetFieldID":          funcOf(retI64, i64, i64, i32, i32, i32, i32),
	"jni_GetStaticFieldID":    funcOf(retI64, i64, i64, i32, i32, i32, i32),
	"jni_FromReflectedMethod": funcOf(retI64, i64, i64),
	"jni_FromReflectedField":  funcOf(retI64, i64, i64),

	"jni_NewObject":        funcOf(retI64, i64, i64, i64, i32, i32),
	"jni_CallMethod":       funcOf(retI64, i64, i64, i64, i32, i32, i32),
	"jni_CallStaticMethod": funcOf(retI64, i64, i64, i64, i32, i32, i32),
	"jni_GetField":         funcOf(retI64, i64, i64, i64, i32),
	"jni_SetField":         funcOf(none, i64, i64, i64, i32, i64),
	"jni_GetStaticField":   funcOf(retI64, i64, i64, i64, i32),
	"jni_SetStaticField":   funcOf(none, i64, i64, i64, i32, i64),

	"jni_NewString":       funcOf(retI64, i64, i32, i32),
	"jni_GetStringLength": funcOf(retI32, i64, i64),
	"jni_GetStringRegion": funcOf(none, i64, i64, i32),

	"jni_GetArrayLength":          funcOf(retI32, i64, i64),
	"jni_NewObjectArray":          funcOf(retI64, i64, i32, i64, i64),
	"jni_GetObjectArrayElement":   funcOf(retI64, i64, i64, i32),
	"jni_SetObjectArrayElement":   funcOf(none, i64, i64, i32, i64),
	"jni_NewPrimitiveArray":       funcOf(retI64, i64, i32, i32),
	"jni_GetPrimitiveArrayRegion": funcOf(none, i64, i64, i32, i32, i32, i32),
	"jni_SetPrimitiveArrayRegion": funcOf(none, i64, i64, i32, i32, i32, i32),

	"jni_RegisterNatives":   funcOf(retI32, i64, i64, i32, i32),
	"jni_UnregisterNatives": funcOf(retI32, i64, i64),

	reallocName: funcOf(retI32, i32, i32, i32, i32),
}

// nativeRecordSize is the size of one RegisterNatives entry:
// {name_ptr, name_len, sig_ptr, sig_len u32; token u64}.
const nativeRecordSize = 24

// checkExports reports every missing or mistyped guest export.
func checkExports(guest api.Module) error {
	defs := guest.ExportedFunctionDefinitions()
	var errs []error
	names := make([]string, 0, len(guestFunctions))
	for name := range guestFunctions {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		want := guestFunctions[name]
		def, ok := defs[name]
		if !ok {
			errs = append(errs, fmt.Errorf("missing export %s", name))
			continue
		}
		if !slices.Equal(def.ParamTypes(), want.params) || !slices.Equal(def.ResultTypes(), want.results) {
			errs = append(errs, fmt.Errorf("export %s has type %s, want %s", name,
				typeString(def.ParamTypes(), def.ResultTypes()), typeString(want.params, want.results)))
		}
	}
	return errors.Join(errs...)
}

func typeString(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(p)
	}
	s += ") -> ("
	for i, r := range results {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(r)
	}
	return s + ")"
}

// TrapError reports a guest failure while serving a foreign call.
type TrapError struct {
	Function string
	Err      error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("wasmjni: %s: %v", e.Function, e.Err)
}

func (e *TrapError) Unwrap() error {
	return e.Err
}
