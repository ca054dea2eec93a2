package jni

import (
	"fmt"
	"math"
	"reflect"
)

// ObjectRef is an opaque foreign object reference (jobject). Zero is null.
type ObjectRef uint64

// MethodID identifies a foreign method or constructor (jmethodID).
type MethodID uint64

// FieldID identifies a foreign field (jfieldID).
type FieldID uint64

// Kind is the storage class of a value slot.
type Kind int

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Keyword returns the signature keyword for primitive kinds.
func (k Kind) Keyword() string {
	switch k {
	case KindVoid:
		return "V"
	case KindBoolean:
		return "Z"
	case KindByte:
		return "B"
	case KindChar:
		return "C"
	case KindShort:
		return "S"
	case KindInt:
		return "I"
	case KindLong:
		return "J"
	case KindFloat:
		return "F"
	case KindDouble:
		return "D"
	}
	return ""
}

func kindForKeyword(keyword string) (Kind, bool) {
	switch keyword {
	case "V":
		return KindVoid, true
	case "Z":
		return KindBoolean, true
	case "B":
		return KindByte, true
	case "C":
		return KindChar, true
	case "S":
		return KindShort, true
	case "I":
		return KindInt, true
	case "J":
		return KindLong, true
	case "F":
		return KindFloat, true
	case "D":
		return KindDouble, true
	}
	return KindObject, false
}

// Value is one 64-bit argument or result slot (jvalue).
type Value uint64

func BooleanValue(v bool) Value {
	if v {
		return 1
	}
	return 0
}

func ByteValue(v int8) Value { return Value(uint8(v)) }
func CharValue(v uint16) Value { return Value(v) }
func ShortValue(v int16) Value { return Value(uint16(v)) }
func IntValue(v int32) Value { return Value(uint32(v)) }
func LongValue(v int64) Value { return Value(v) }
func FloatValue(v float32) Value { return Value(math.Float32bits(v)) }
func DoubleValue(v float64) Value {
	return Value(math.Float64bits(v))
}
func ObjectValue(ref ObjectRef) Value { return Value(ref) }

func (v Value) Boolean() bool { return uint8(v) != 0 }
func (v Value) Byte() int8 { return int8(uint8(v)) }
func (v Value) Char() uint16 { return uint16(v) }
func (v Value) Short() int16 { return int16(uint16(v)) }
func (v Value) Int() int32 { return int32(uint32(v)) }
func (v Value) Long() int64 { return int64(v) }
func (v Value) Float() float32 { return math.Float32frombits(uint32(v)) }
func (v Value) Double() float64 { return math.Float64frombits(uint64(v)) }
func (v Value) Object() ObjectRef { return ObjectRef(v) }

// ToGo converts a primitive slot into the Go type the type manager maps the
// kind to first. Object slots are returned as ObjectRef.
func (v Value) ToGo(kind Kind) any {
	switch kind {
	case KindVoid:
		return nil
	case KindBoolean:
		return v.Boolean()
	case KindByte:
		return v.Byte()
	case KindChar:
		return v.Char()
	case KindShort:
		return v.Short()
	case KindInt:
		return v.Int()
	case KindLong:
		return v.Long()
	case KindFloat:
		return v.Float()
	case KindDouble:
		return v.Double()
	}
	return v.Object()
}

// PrimitiveValue converts a Go boolean or number, named or not, into a slot
// of the given kind.
func PrimitiveValue(kind Kind, v any) (Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || !compatibleKind(kind, rv.Kind()) {
		return 0, fmt.Errorf("cannot convert %T to %s", v, kind)
	}
	return reflectToValue(kind, rv), nil
}

func compatibleKind(kind Kind, rk reflect.Kind) bool {
	switch kind {
	case KindBoolean:
		return rk == reflect.Bool
	case KindFloat, KindDouble:
		return rk == reflect.Float32 || rk == reflect.Float64
	case KindByte, KindChar, KindShort, KindInt, KindLong:
		switch rk {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		}
	}
	return false
}

func reflectToValue(kind Kind, rv reflect.Value) Value {
	switch kind {
	case KindBoolean:
		return BooleanValue(rv.Bool())
	case KindFloat:
		return FloatValue(float32(rv.Float()))
	case KindDouble:
		return DoubleValue(rv.Float())
	}
	var n int64
	if rv.CanInt() {
		n = rv.Int()
	} else {
		n = int64(rv.Uint())
	}
	switch kind {
	case KindByte:
		return ByteValue(int8(n))
	case KindChar:
		return CharValue(uint16(n))
	case KindShort:
		return ShortValue(int16(n))
	case KindInt:
		return IntValue(int32(n))
	}
	return LongValue(n)
}

// ConvertValue decodes a primitive slot of the given kind into a value of
// Go type t.
func ConvertValue(kind Kind, v Value, t reflect.Type) (reflect.Value, error) {
	if !compatibleKind(kind, t.Kind()) {
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %v", kind, t)
	}
	out := reflect.New(t).Elem()
	switch kind {
	case KindBoolean:
		out.SetBool(v.Boolean())
		return out, nil
	case KindFloat:
		out.SetFloat(float64(v.Float()))
		return out, nil
	case KindDouble:
		out.SetFloat(v.Double())
		return out, nil
	}
	var n int64
	switch kind {
	case KindByte:
		n = int64(v.Byte())
	case KindChar:
		n = int64(v.Char())
	case KindShort:
		n = int64(v.Short())
	case KindInt:
		n = int64(v.Int())
	default:
		n = v.Long()
	}
	if out.CanInt() {
		out.SetInt(n)
	} else {
		out.SetUint(uint64(n))
	}
	return out, nil
}
