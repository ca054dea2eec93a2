package jni

import (
	"fmt"
	"reflect"
)

// Primitive is the set of Go types that map to a foreign primitive.
type Primitive interface {
	~bool | ~int8 | ~uint8 | ~uint16 | ~int16 | ~int32 | ~uint32 | ~int64 | ~int | ~uint64 | ~uint | ~float32 | ~float64
}

type arrayWrapper interface {
	arrayElementType() reflect.Type
}

// PrimitiveArray is a foreign array of primitives whose elements are T.
type PrimitiveArray[T Primitive] struct {
	handle *Handle
}

// NewPrimitiveArray copies values into a new foreign array. The result holds
// a local handle owned by env.
func NewPrimitiveArray[T Primitive](env *Env, values []T) (*PrimitiveArray[T], error) {
	kind := primitiveKind[T]()
	slots := make([]Value, len(values))
	for i, v := range values {
		slots[i] = reflectToValue(kind, reflect.ValueOf(v))
	}
	h, err := env.NewPrimitiveArray(kind, slots)
	if err != nil {
		return nil, err
	}
	return &PrimitiveArray[T]{handle: h}, nil
}

// WrapPrimitiveArray adopts a handle to an existing foreign array.
func WrapPrimitiveArray[T Primitive](h *Handle) *PrimitiveArray[T] {
	return &PrimitiveArray[T]{handle: h}
}

func primitiveKind[T Primitive]() Kind {
	k, _ := kindOfType(reflect.TypeFor[T]())
	return k
}

// Reference returns the array handle, or nil for a nil array.
func (a *PrimitiveArray[T]) Reference() *Handle {
	if a == nil {
		return nil
	}
	return a.handle
}

func (a *PrimitiveArray[T]) Len(env *Env) (int, error) {
	return env.GetArrayLength(a.handle)
}

// Slice copies the foreign elements out.
func (a *PrimitiveArray[T]) Slice(env *Env) ([]T, error) {
	n, err := env.GetArrayLength(a.handle)
	if err != nil {
		return nil, err
	}
	kind := primitiveKind[T]()
	slots, err := env.GetPrimitiveArrayRegion(a.handle, kind, 0, n)
	if err != nil {
		return nil, err
	}
	t := reflect.TypeFor[T]()
	ret := make([]T, n)
	for i, slot := range slots {
		rv, err := ConvertValue(kind, slot, t)
		if err != nil {
			return nil, err
		}
		ret[i] = rv.Interface().(T)
	}
	return ret, nil
}

// Set copies values into the foreign array starting at start.
func (a *PrimitiveArray[T]) Set(env *Env, start int, values []T) error {
	kind := primitiveKind[T]()
	slots := make([]Value, len(values))
	for i, v := range values {
		slots[i] = reflectToValue(kind, reflect.ValueOf(v))
	}
	return env.SetPrimitiveArrayRegion(a.handle, kind, start, slots)
}

func (a *PrimitiveArray[T]) Release(env *Env) {
	a.handle.Release(env)
}

func (PrimitiveArray[T]) arrayElementType() reflect.Type {
	return reflect.TypeFor[T]()
}

// ObjectArray is a foreign array of references whose elements resolve to T.
type ObjectArray[T any] struct {
	handle *Handle
}

// NewObjectArray creates a foreign array of length null elements of the
// class resolved for T.
func NewObjectArray[T any](env *Env, length int) (*ObjectArray[T], error) {
	sig, err := env.vm.types.TypeSignature(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	if sig.Kind() != KindObject {
		return nil, fmt.Errorf("element type %v resolves to primitive %s", reflect.TypeFor[T](), sig)
	}
	cls, err := env.FindClass(sig.Name())
	if err != nil {
		return nil, err
	}
	defer cls.Release(env)
	h, err := env.NewObjectArray(length, cls, nil)
	if err != nil {
		return nil, err
	}
	return &ObjectArray[T]{handle: h}, nil
}

func WrapObjectArray[T any](h *Handle) *ObjectArray[T] {
	return &ObjectArray[T]{handle: h}
}

// Reference returns the array handle, or nil for a nil array.
func (a *ObjectArray[T]) Reference() *Handle {
	if a == nil {
		return nil
	}
	return a.handle
}

func (a *ObjectArray[T]) Len(env *Env) (int, error) {
	return env.GetArrayLength(a.handle)
}

// Get returns a local handle to element i, or nil for a null element.
func (a *ObjectArray[T]) Get(env *Env, i int) (*Handle, error) {
	return env.GetObjectArrayElement(a.handle, i)
}

func (a *ObjectArray[T]) Set(env *Env, i int, v *Handle) error {
	return env.SetObjectArrayElement(a.handle, i, v)
}

func (a *ObjectArray[T]) Release(env *Env) {
	a.handle.Release(env)
}

func (ObjectArray[T]) arrayElementType() reflect.Type {
	return reflect.TypeFor[T]()
}
