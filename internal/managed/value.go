package managed

import (
	"fmt"
	"math"
)

// Value is a tagged argument or result. The Kind selects which payload
// is meaningful; primitive payloads are kept as raw bits.
type Value struct {
	kind Kind
	bits uint64
	ref  Object
}

// VoidValue is the result of a void method.
var VoidValue = Value{kind: Void}

func BooleanValue(b bool) Value {
	if b {
		return Value{kind: Boolean, bits: 1}
	}
	return Value{kind: Boolean}
}

func ByteValue(v int8) Value     { return Value{kind: Byte, bits: uint64(uint8(v))} }
func CharValue(v uint16) Value   { return Value{kind: Char, bits: uint64(v)} }
func ShortValue(v int16) Value   { return Value{kind: Short, bits: uint64(uint16(v))} }
func IntValue(v int32) Value     { return Value{kind: Int, bits: uint64(uint32(v))} }
func LongValue(v int64) Value    { return Value{kind: Long, bits: uint64(v)} }
func FloatValue(v float32) Value { return Value{kind: Float, bits: uint64(math.Float32bits(v))} }
func DoubleValue(v float64) Value {
	return Value{kind: Double, bits: math.Float64bits(v)}
}
func RefValue(o Object) Value { return Value{kind: Ref, ref: o} }

// ZeroValue returns the default value of kind k.
func ZeroValue(k Kind) Value { return Value{kind: k} }

// PrimitiveFromBits decodes the low bits of a jvalue slot or register as
// kind k. It must not be used for Ref.
func PrimitiveFromBits(k Kind, raw uint64) Value {
	switch k {
	case Boolean:
		return BooleanValue(uint8(raw) != 0)
	case Byte, Char, Short, Int, Float:
		return Value{kind: k, bits: raw & mask(k)}
	case Long, Double:
		return Value{kind: k, bits: raw}
	}
	return VoidValue
}

func mask(k Kind) uint64 {
	switch k.Size() {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Bool() bool     { return v.bits&1 != 0 }
func (v Value) Byte() int8     { return int8(v.bits) }
func (v Value) Char() uint16   { return uint16(v.bits) }
func (v Value) Short() int16   { return int16(v.bits) }
func (v Value) Int() int32     { return int32(v.bits) }
func (v Value) Long() int64    { return int64(v.bits) }
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Double() float64 {
	return math.Float64frombits(v.bits)
}
func (v Value) Ref() Object { return v.ref }

// Bits returns the primitive payload zero-extended to 64 bits, the layout
// of a jvalue slot. Signed kinds are sign-extended so the value can be
// returned in a general purpose register.
func (v Value) Bits() uint64 {
	switch v.kind {
	case Byte:
		return uint64(int64(int8(v.bits)))
	case Short:
		return uint64(int64(int16(v.bits)))
	case Int:
		return uint64(int64(int32(v.bits)))
	}
	return v.bits
}

// Convert widens or narrows a primitive to kind k the way the JNI Call
// entries coerce a method result to the entry's declared return type.
func (v Value) Convert(k Kind) Value {
	if v.kind == k || k == Void {
		return Value{kind: k, bits: v.bits, ref: v.ref}
	}
	switch k {
	case Ref:
		return RefValue(v.ref)
	case Float:
		return FloatValue(float32(v.asFloat()))
	case Double:
		return DoubleValue(v.asFloat())
	}
	return PrimitiveFromBits(k, uint64(v.asInt()))
}

func (v Value) asInt() int64 {
	switch v.kind {
	case Float:
		return int64(v.Float())
	case Double:
		return int64(v.Double())
	case Char:
		return int64(v.Char())
	case Boolean:
		if v.Bool() {
			return 1
		}
		return 0
	}
	return int64(v.Bits())
}

func (v Value) asFloat() float64 {
	switch v.kind {
	case Float:
		return float64(v.Float())
	case Double:
		return v.Double()
	}
	return float64(v.asInt())
}

func (v Value) String() string {
	switch v.kind {
	case Void:
		return "void"
	case Boolean:
		return fmt.Sprint(v.Bool())
	case Char:
		return fmt.Sprintf("'\\u%04x'", v.Char())
	case Float:
		return fmt.Sprint(v.Float())
	case Double:
		return fmt.Sprint(v.Double())
	case Ref:
		if v.ref == nil {
			return "null"
		}
		return fmt.Sprintf("%s@%p", v.ref.Class().Name, v.ref.Header())
	}
	return fmt.Sprint(int64(v.Bits()))
}
