// Package testutil provides a WebAssembly guest for exercising the wasm
// transport without a real foreign runtime.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/partite-ai/jinterop/internal/table"
	"github.com/partite-ai/jinterop/jni"
	"github.com/partite-ai/jinterop/jvmtest"
	"github.com/partite-ai/jinterop/wasmjni"
)

const (
	GuestModuleName = "jni_guest"
	// ImplModuleName is the host module holding the Go implementations the
	// guest's jni_* exports forward to.
	ImplModuleName = "jni_guest_impl"

	nativeExport = "jni_guest_native"
	pageSize     = 65536
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func types(ts ...api.ValueType) []api.ValueType {
	return ts
}

// Guest serves the jni_* guest surface from a jvmtest.Runtime. The guest is
// a real wasm module whose exports forward to Go functions, and whose
// native methods call back through its jni_host import.
type Guest struct {
	Runtime *jvmtest.Runtime
	Module  api.Module
	Memory  api.Memory

	impl api.Module

	mu      sync.Mutex
	threads *table.Table[jni.NativeInterface]
	ids     map[jni.NativeInterface]uint64
	heap    uint32
}

type guestConfig struct {
	pages uint32
}

type GuestOption func(*guestConfig)

// WithMemoryPages sets the initial size of the guest memory. Zero builds a
// guest without memory.
func WithMemoryPages(n uint32) GuestOption {
	return func(c *guestConfig) {
		c.pages = n
	}
}

// NewGuest instantiates the guest in r. The jni_host module must already be
// instantiated.
func NewGuest(ctx context.Context, r wazero.Runtime, rt *jvmtest.Runtime, opts ...GuestOption) (*Guest, error) {
	cfg := guestConfig{pages: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	if r.Module(wasmjni.HostModuleName) == nil {
		return nil, fmt.Errorf("module %s is not instantiated", wasmjni.HostModuleName)
	}
	g := &Guest{
		Runtime: rt,
		threads: table.New[jni.NativeInterface](),
		ids:     make(map[jni.NativeInterface]uint64),
		heap:    16,
	}

	def := Module{MemoryPages: cfg.pages}
	b := r.NewHostModuleBuilder(ImplModuleName)
	for _, f := range g.functions() {
		b.NewFunctionBuilder().WithGoFunction(f.fn, f.params, f.results).Export(f.name)
		def.Imports = append(def.Imports, Import{
			Module:  ImplModuleName,
			Name:    f.name,
			Export:  f.name,
			Params:  f.params,
			Results: f.results,
		})
	}
	def.Imports = append(def.Imports, Import{
		Module:  wasmjni.HostModuleName,
		Name:    wasmjni.NativeCallName,
		Export:  nativeExport,
		Params:  types(i64, i64, i64, i32, i32),
		Results: types(i64),
	})

	impl, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s: %w", ImplModuleName, err)
	}
	mod, err := r.InstantiateWithConfig(ctx, def.Encode(), wazero.NewModuleConfig().WithName(GuestModuleName))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instantiate guest: %w", err), impl.Close(ctx))
	}
	g.impl = impl
	g.Module = mod
	g.Memory = mod.ExportedMemory("memory")
	return g, nil
}

func (g *Guest) Close(ctx context.Context) error {
	return errors.Join(g.Module.Close(ctx), g.impl.Close(ctx))
}

// Threads is the number of attached guest threads.
func (g *Guest) Threads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threads.Len()
}

type guestFunc struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	fn      api.GoFunc
}

func (g *Guest) thread(id uint64) jni.NativeInterface {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads.Lookup(uint32(id))
	if !ok {
		panic(fmt.Sprintf("unknown env %d", id))
	}
	return t
}

func (g *Guest) read(ptr, n uint64) []byte {
	b, ok := g.Memory.Read(api.DecodeU32(ptr), api.DecodeU32(n))
	if !ok {
		panic(fmt.Sprintf("read of %d bytes at %d out of range", n, ptr))
	}
	return bytes.Clone(b)
}

func (g *Guest) str(ptr, n uint64) string {
	return string(g.read(ptr, n))
}

func (g *Guest) values(ptr, n uint64) []jni.Value {
	vals := make([]jni.Value, api.DecodeU32(n))
	for i := range vals {
		v, ok := g.Memory.ReadUint64Le(api.DecodeU32(ptr) + uint32(i)*8)
		if !ok {
			panic(fmt.Sprintf("value slot %d at %d out of range", i, ptr))
		}
		vals[i] = jni.Value(v)
	}
	return vals
}

func (g *Guest) writeValues(ptr uint32, vals []jni.Value) {
	for i, v := range vals {
		if !g.Memory.WriteUint64Le(ptr+uint32(i)*8, uint64(v)) {
			panic(fmt.Sprintf("value slot %d at %d out of range", i, ptr))
		}
	}
}

func (g *Guest) alloc(originalPtr, originalSize, alignment, newSize uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if alignment == 0 {
		alignment = 1
	}
	ptr := (g.heap + alignment - 1) &^ (alignment - 1)
	end := ptr + newSize
	if size := g.Memory.Size(); end > size {
		if _, ok := g.Memory.Grow((end - size + pageSize - 1) / pageSize); !ok {
			return 0
		}
	}
	g.heap = end
	if originalPtr != 0 && originalSize > 0 {
		old, _ := g.Memory.Read(originalPtr, min(originalSize, newSize))
		g.Memory.Write(ptr, bytes.Clone(old))
	}
	return ptr
}

func boolResult(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func kindOf(v uint64) jni.Kind {
	return jni.Kind(api.DecodeI32(v))
}

// native returns the function the runtime calls for a registered native:
// it enters the guest, which forwards to its jni_host.native_call import
// with the env of the calling thread.
func (g *Guest) native(token uint64) jni.NativeFunc {
	return func(ni jni.NativeInterface, this jni.ObjectRef, args []jni.Value) jni.Value {
		g.mu.Lock()
		id := g.ids[ni]
		g.mu.Unlock()

		ptr := g.alloc(0, 0, 8, uint32(len(args))*8)
		g.writeValues(ptr, args)
		res, err := g.Module.ExportedFunction(nativeExport).Call(context.Background(), id, token, uint64(this), api.EncodeU32(ptr), api.EncodeU32(uint32(len(args))))
		if err != nil {
			cls := ni.FindClass("java/lang/Error")
			ni.ThrowNew(cls, err.Error())
			ni.DeleteLocalRef(cls)
			return 0
		}
		return jni.Value(res[0])
	}
}

func (g *Guest) functions() []guestFunc {
	rt := g.Runtime
	return []guestFunc{
		{"jni_GetVersion", nil, types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeI32(rt.GetVersion())
		}},
		{"jni_AttachCurrentThread", nil, types(i64), func(_ context.Context, stack []uint64) {
			ni, err := rt.AttachCurrentThread()
			if err != nil {
				stack[0] = 0
				return
			}
			g.mu.Lock()
			defer g.mu.Unlock()
			id := uint64(g.threads.Add(ni))
			g.ids[ni] = id
			stack[0] = id
		}},
		{"jni_DetachCurrentThread", types(i64), types(i32), func(_ context.Context, stack []uint64) {
			g.mu.Lock()
			ni, ok := g.threads.Lookup(uint32(stack[0]))
			if ok {
				g.threads.Remove(uint32(stack[0]))
				delete(g.ids, ni)
			}
			g.mu.Unlock()
			if !ok || rt.DetachCurrentThread(ni) != nil {
				stack[0] = api.EncodeI32(-1)
				return
			}
			stack[0] = 0
		}},

		{"jni_FindClass", types(i64, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).FindClass(g.str(stack[1], stack[2])))
		}},
		{"jni_GetSuperclass", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetSuperclass(jni.ObjectRef(stack[1])))
		}},
		{"jni_IsAssignableFrom", types(i64, i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = boolResult(g.thread(stack[0]).IsAssignableFrom(jni.ObjectRef(stack[1]), jni.ObjectRef(stack[2])))
		}},
		{"jni_GetObjectClass", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetObjectClass(jni.ObjectRef(stack[1])))
		}},
		{"jni_IsInstanceOf", types(i64, i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = boolResult(g.thread(stack[0]).IsInstanceOf(jni.ObjectRef(stack[1]), jni.ObjectRef(stack[2])))
		}},
		{"jni_IsSameObject", types(i64, i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = boolResult(g.thread(stack[0]).IsSameObject(jni.ObjectRef(stack[1]), jni.ObjectRef(stack[2])))
		}},

		{"jni_ThrowNew", types(i64, i64, i32, i32), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeI32(g.thread(stack[0]).ThrowNew(jni.ObjectRef(stack[1]), g.str(stack[2], stack[3])))
		}},
		{"jni_ExceptionOccurred", types(i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).ExceptionOccurred())
		}},
		{"jni_ExceptionClear", types(i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).ExceptionClear()
		}},

		{"jni_NewGlobalRef", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).NewGlobalRef(jni.ObjectRef(stack[1])))
		}},
		{"jni_DeleteGlobalRef", types(i64, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).DeleteGlobalRef(jni.ObjectRef(stack[1]))
		}},
		{"jni_NewLocalRef", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).NewLocalRef(jni.ObjectRef(stack[1])))
		}},
		{"jni_DeleteLocalRef", types(i64, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).DeleteLocalRef(jni.ObjectRef(stack[1]))
		}},
		{"jni_NewWeakGlobalRef", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).NewWeakGlobalRef(jni.ObjectRef(stack[1])))
		}},
		{"jni_DeleteWeakGlobalRef", types(i64, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).DeleteWeakGlobalRef(jni.ObjectRef(stack[1]))
		}},

		{"jni_GetMethodID", types(i64, i64, i32, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetMethodID(jni.ObjectRef(stack[1]), g.str(stack[2], stack[3]), g.str(stack[4], stack[5])))
		}},
		{"jni_GetStaticMethodID", types(i64, i64, i32, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetStaticMethodID(jni.ObjectRef(stack[1]), g.str(stack[2], stack[3]), g.str(stack[4], stack[5])))
		}},
		{"jni_GetFieldID", types(i64, i64, i32, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetFieldID(jni.ObjectRef(stack[1]), g.str(stack[2], stack[3]), g.str(stack[4], stack[5])))
		}},
		{"jni_GetStaticFieldID", types(i64, i64, i32, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetStaticFieldID(jni.ObjectRef(stack[1]), g.str(stack[2], stack[3]), g.str(stack[4], stack[5])))
		}},
		{"jni_FromReflectedMethod", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).FromReflectedMethod(jni.ObjectRef(stack[1])))
		}},
		{"jni_FromReflectedField", types(i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).FromReflectedField(jni.ObjectRef(stack[1])))
		}},

		{"jni_NewObject", types(i64, i64, i64, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			t := g.thread(stack[0])
			stack[0] = uint64(t.NewObject(jni.ObjectRef(stack[1]), jni.MethodID(stack[2]), g.values(stack[3], stack[4])))
		}},
		{"jni_CallMethod", types(i64, i64, i64, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			t := g.thread(stack[0])
			stack[0] = uint64(t.CallMethod(jni.ObjectRef(stack[1]), jni.MethodID(stack[2]), kindOf(stack[3]), g.values(stack[4], stack[5])))
		}},
		{"jni_CallStaticMethod", types(i64, i64, i64, i32, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			t := g.thread(stack[0])
			stack[0] = uint64(t.CallStaticMethod(jni.ObjectRef(stack[1]), jni.MethodID(stack[2]), kindOf(stack[3]), g.values(stack[4], stack[5])))
		}},
		{"jni_GetField", types(i64, i64, i64, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetField(jni.ObjectRef(stack[1]), jni.FieldID(stack[2]), kindOf(stack[3])))
		}},
		{"jni_SetField", types(i64, i64, i64, i32, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).SetField(jni.ObjectRef(stack[1]), jni.FieldID(stack[2]), kindOf(stack[3]), jni.Value(stack[4]))
		}},
		{"jni_GetStaticField", types(i64, i64, i64, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetStaticField(jni.ObjectRef(stack[1]), jni.FieldID(stack[2]), kindOf(stack[3])))
		}},
		{"jni_SetStaticField", types(i64, i64, i64, i32, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).SetStaticField(jni.ObjectRef(stack[1]), jni.FieldID(stack[2]), kindOf(stack[3]), jni.Value(stack[4]))
		}},

		{"jni_NewString", types(i64, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			chars := g.read(stack[1], stack[2]*2)
			stack[0] = uint64(g.thread(stack[0]).NewString(chars))
		}},
		{"jni_GetStringLength", types(i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			chars := g.thread(stack[0]).GetStringChars(jni.ObjectRef(stack[1]))
			if chars == nil {
				stack[0] = api.EncodeI32(-1)
				return
			}
			stack[0] = api.EncodeI32(int32(len(chars) / 2))
		}},
		{"jni_GetStringRegion", types(i64, i64, i32), nil, func(_ context.Context, stack []uint64) {
			chars := g.thread(stack[0]).GetStringChars(jni.ObjectRef(stack[1]))
			g.Memory.Write(api.DecodeU32(stack[2]), chars)
		}},

		{"jni_GetArrayLength", types(i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeI32(g.thread(stack[0]).GetArrayLength(jni.ObjectRef(stack[1])))
		}},
		{"jni_NewObjectArray", types(i64, i32, i64, i64), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).NewObjectArray(api.DecodeI32(stack[1]), jni.ObjectRef(stack[2]), jni.ObjectRef(stack[3])))
		}},
		{"jni_GetObjectArrayElement", types(i64, i64, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).GetObjectArrayElement(jni.ObjectRef(stack[1]), api.DecodeI32(stack[2])))
		}},
		{"jni_SetObjectArrayElement", types(i64, i64, i32, i64), nil, func(_ context.Context, stack []uint64) {
			g.thread(stack[0]).SetObjectArrayElement(jni.ObjectRef(stack[1]), api.DecodeI32(stack[2]), jni.ObjectRef(stack[3]))
		}},
		{"jni_NewPrimitiveArray", types(i64, i32, i32), types(i64), func(_ context.Context, stack []uint64) {
			stack[0] = uint64(g.thread(stack[0]).NewPrimitiveArray(kindOf(stack[1]), api.DecodeI32(stack[2])))
		}},
		{"jni_GetPrimitiveArrayRegion", types(i64, i64, i32, i32, i32, i32), nil, func(_ context.Context, stack []uint64) {
			buf := make([]jni.Value, api.DecodeU32(stack[5]))
			g.thread(stack[0]).GetPrimitiveArrayRegion(jni.ObjectRef(stack[1]), kindOf(stack[2]), api.DecodeI32(stack[3]), buf)
			g.writeValues(api.DecodeU32(stack[4]), buf)
		}},
		{"jni_SetPrimitiveArrayRegion", types(i64, i64, i32, i32, i32, i32), nil, func(_ context.Context, stack []uint64) {
			buf := g.values(stack[4], stack[5])
			g.thread(stack[0]).SetPrimitiveArrayRegion(jni.ObjectRef(stack[1]), kindOf(stack[2]), api.DecodeI32(stack[3]), buf)
		}},

		{"jni_RegisterNatives", types(i64, i64, i32, i32), types(i32), func(_ context.Context, stack []uint64) {
			t := g.thread(stack[0])
			ptr, n := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
			methods := make([]jni.NativeMethod, n)
			for i := range n {
				base := ptr + i*24
				field := func(off uint32) uint64 {
					v, _ := g.Memory.ReadUint32Le(base + off)
					return uint64(v)
				}
				token, _ := g.Memory.ReadUint64Le(base + 16)
				methods[i] = jni.NativeMethod{
					Name:      g.str(field(0), field(4)),
					Signature: g.str(field(8), field(12)),
					Fn:        g.native(token),
				}
			}
			stack[0] = api.EncodeI32(t.RegisterNatives(jni.ObjectRef(stack[1]), methods))
		}},
		{"jni_UnregisterNatives", types(i64, i64), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeI32(g.thread(stack[0]).UnregisterNatives(jni.ObjectRef(stack[1])))
		}},

		{"cabi_realloc", types(i32, i32, i32, i32), types(i32), func(_ context.Context, stack []uint64) {
			stack[0] = api.EncodeU32(g.alloc(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))
		}},
	}
}
