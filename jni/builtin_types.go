package jni

import "reflect"

type builtinMapping struct {
	t   reflect.Type
	sig TypeSignature
}

// builtinTypes is ordered: for a simple reference shared by several Go
// types, the first entry is the preferred host type.
var builtinTypes = []builtinMapping{
	{reflect.TypeFor[bool](), keywordSignature(KindBoolean)},
	{reflect.TypeFor[int8](), keywordSignature(KindByte)},
	{reflect.TypeFor[uint8](), keywordSignature(KindByte)},
	{reflect.TypeFor[uint16](), keywordSignature(KindChar)},
	{reflect.TypeFor[int16](), keywordSignature(KindShort)},
	{reflect.TypeFor[int32](), keywordSignature(KindInt)},
	{reflect.TypeFor[uint32](), keywordSignature(KindInt)},
	{reflect.TypeFor[int64](), keywordSignature(KindLong)},
	{reflect.TypeFor[int](), keywordSignature(KindLong)},
	{reflect.TypeFor[uint64](), keywordSignature(KindLong)},
	{reflect.TypeFor[uint](), keywordSignature(KindLong)},
	{reflect.TypeFor[float32](), keywordSignature(KindFloat)},
	{reflect.TypeFor[float64](), keywordSignature(KindDouble)},

	{reflect.TypeFor[string](), classSignature("java/lang/String")},
	{reflect.TypeFor[any](), classSignature("java/lang/Object")},
	{reflect.TypeFor[*Handle](), classSignature("java/lang/Object")},
	{reflect.TypeFor[error](), classSignature("java/lang/Throwable")},

	{reflect.TypeFor[*bool](), classSignature("java/lang/Boolean")},
	{reflect.TypeFor[*int8](), classSignature("java/lang/Byte")},
	{reflect.TypeFor[*uint16](), classSignature("java/lang/Character")},
	{reflect.TypeFor[*int16](), classSignature("java/lang/Short")},
	{reflect.TypeFor[*int32](), classSignature("java/lang/Integer")},
	{reflect.TypeFor[*int64](), classSignature("java/lang/Long")},
	{reflect.TypeFor[*float32](), classSignature("java/lang/Float")},
	{reflect.TypeFor[*float64](), classSignature("java/lang/Double")},
}

// builtinArrayTypes maps the primitive array wrappers of the builtin
// primitives to their rank 1 signatures.
var builtinArrayTypes = []builtinMapping{
	{reflect.TypeFor[PrimitiveArray[bool]](), keywordSignature(KindBoolean).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[int8]](), keywordSignature(KindByte).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[uint16]](), keywordSignature(KindChar).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[int16]](), keywordSignature(KindShort).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[int32]](), keywordSignature(KindInt).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[int64]](), keywordSignature(KindLong).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[float32]](), keywordSignature(KindFloat).AddArrayRank(1)},
	{reflect.TypeFor[PrimitiveArray[float64]](), keywordSignature(KindDouble).AddArrayRank(1)},
}

// primitiveArrayTypes is the wrapper used for the innermost level of a
// keyword array signature. Go cannot instantiate generics at run time, so
// the set is fixed.
var primitiveArrayTypes = map[Kind]reflect.Type{
	KindBoolean: reflect.TypeFor[PrimitiveArray[bool]](),
	KindByte:    reflect.TypeFor[PrimitiveArray[int8]](),
	KindChar:    reflect.TypeFor[PrimitiveArray[uint16]](),
	KindShort:   reflect.TypeFor[PrimitiveArray[int16]](),
	KindInt:     reflect.TypeFor[PrimitiveArray[int32]](),
	KindLong:    reflect.TypeFor[PrimitiveArray[int64]](),
	KindFloat:   reflect.TypeFor[PrimitiveArray[float32]](),
	KindDouble:  reflect.TypeFor[PrimitiveArray[float64]](),
}

// underlyingKinds substitutes a named integer type with its basic type.
var underlyingKinds = map[reflect.Kind]reflect.Type{
	reflect.Int8:   reflect.TypeFor[int8](),
	reflect.Uint8:  reflect.TypeFor[uint8](),
	reflect.Uint16: reflect.TypeFor[uint16](),
	reflect.Int16:  reflect.TypeFor[int16](),
	reflect.Int32:  reflect.TypeFor[int32](),
	reflect.Uint32: reflect.TypeFor[uint32](),
	reflect.Int64:  reflect.TypeFor[int64](),
	reflect.Int:    reflect.TypeFor[int](),
	reflect.Uint64: reflect.TypeFor[uint64](),
	reflect.Uint:   reflect.TypeFor[uint](),
}

// kindOfType is the slot kind of a Go primitive type, named or not.
func kindOfType(t reflect.Type) (Kind, bool) {
	switch t.Kind() {
	case reflect.Bool:
		return KindBoolean, true
	case reflect.Int8, reflect.Uint8:
		return KindByte, true
	case reflect.Uint16:
		return KindChar, true
	case reflect.Int16:
		return KindShort, true
	case reflect.Int32, reflect.Uint32:
		return KindInt, true
	case reflect.Int64, reflect.Int, reflect.Uint64, reflect.Uint:
		return KindLong, true
	case reflect.Float32:
		return KindFloat, true
	case reflect.Float64:
		return KindDouble, true
	}
	return KindObject, false
}
