// Package frameinfo describes optimized code at its deoptimization points:
// typed constants, where each baseline slot's value lives in the
// optimized frame, and which exception handler covers a program counter.
package frameinfo

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/deoptkit/heap"
)

// Kind is the declared type of a baseline slot.
type Kind uint8

const (
	KindIllegal Kind = iota // No value (unused slot)
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindFloat
	KindLong
	KindDouble
	KindObject
	KindVoid
)

var kindNames = [...]string{
	KindIllegal: "illegal",
	KindBoolean: "boolean",
	KindByte:    "byte",
	KindChar:    "char",
	KindShort:   "short",
	KindInt:     "int",
	KindFloat:   "float",
	KindLong:    "long",
	KindDouble:  "double",
	KindObject:  "object",
	KindVoid:    "void",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses the lower-case kind name used in scenario files.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindIllegal, fmt.Errorf("unknown kind %q", s)
}

// Constant is a typed value. Primitive values are kept as raw bits
// (sign-extended for sub-word integers); object constants hold a live
// heap reference.
type Constant struct {
	kind       Kind
	bits       uint64
	object     *heap.Object
	compressed bool
}

// Illegal returns the "no value" constant.
func Illegal() Constant { return Constant{} }

// ForBoolean returns a boolean constant.
func ForBoolean(b bool) Constant {
	if b {
		return Constant{kind: KindBoolean, bits: 1}
	}
	return Constant{kind: KindBoolean}
}

func ForByte(v int8) Constant { return Constant{kind: KindByte, bits: uint64(int64(v))} }

func ForChar(v uint16) Constant { return Constant{kind: KindChar, bits: uint64(v)} }

func ForShort(v int16) Constant { return Constant{kind: KindShort, bits: uint64(int64(v))} }

func ForInt(v int32) Constant { return Constant{kind: KindInt, bits: uint64(int64(v))} }

func ForLong(v int64) Constant { return Constant{kind: KindLong, bits: uint64(v)} }

func ForFloat(v float32) Constant {
	return Constant{kind: KindFloat, bits: uint64(math.Float32bits(v))}
}

func ForDouble(v float64) Constant {
	return Constant{kind: KindDouble, bits: math.Float64bits(v)}
}

// ForObject returns an object constant. compressed selects the narrow
// reference encoding for the slot it will be written to.
func ForObject(o *heap.Object, compressed bool) Constant {
	return Constant{kind: KindObject, object: o, compressed: compressed}
}

// FromBits builds a primitive constant of kind k from raw machine bits,
// narrowing and sign-extending the way a register read would.
func FromBits(k Kind, bits uint64) Constant {
	switch k {
	case KindBoolean:
		return ForBoolean(bits&1 != 0)
	case KindByte:
		return ForByte(int8(bits))
	case KindChar:
		return ForChar(uint16(bits))
	case KindShort:
		return ForShort(int16(bits))
	case KindInt:
		return ForInt(int32(bits))
	case KindFloat:
		return Constant{kind: KindFloat, bits: bits & 0xFFFFFFFF}
	case KindLong, KindDouble:
		return Constant{kind: k, bits: bits}
	}
	// Objects cannot be built from bits; anything else keeps its kind so
	// the consumer can reject it.
	return Constant{kind: k, bits: bits}
}

// Kind returns the constant's kind.
func (c Constant) Kind() Kind { return c.kind }

// IsIllegal reports whether c is the "no value" constant.
func (c Constant) IsIllegal() bool { return c.kind == KindIllegal }

// Bits returns the raw primitive bits.
func (c Constant) Bits() uint64 { return c.bits }

// AsInt returns the value of a sub-word or int constant.
func (c Constant) AsInt() int32 { return int32(c.bits) }

// AsLong returns the value of a long constant.
func (c Constant) AsLong() int64 { return int64(c.bits) }

// AsFloat returns the value of a float constant.
func (c Constant) AsFloat() float32 { return math.Float32frombits(uint32(c.bits)) }

// AsDouble returns the value of a double constant.
func (c Constant) AsDouble() float64 { return math.Float64frombits(c.bits) }

// Object returns the referenced object of an object constant.
func (c Constant) Object() *heap.Object { return c.object }

// IsCompressed reports whether an object constant uses narrow encoding.
func (c Constant) IsCompressed() bool { return c.compressed }

func (c Constant) String() string {
	switch c.kind {
	case KindIllegal:
		return "illegal"
	case KindBoolean:
		return fmt.Sprintf("boolean %t", c.bits != 0)
	case KindFloat:
		return fmt.Sprintf("float %g", c.AsFloat())
	case KindDouble:
		return fmt.Sprintf("double %g", c.AsDouble())
	case KindLong:
		return fmt.Sprintf("long %d", c.AsLong())
	case KindObject:
		if c.compressed {
			return fmt.Sprintf("object %v (compressed)", c.object)
		}
		return fmt.Sprintf("object %v", c.object)
	case KindByte, KindChar, KindShort, KindInt:
		return fmt.Sprintf("%s %d", c.kind, c.AsInt())
	}
	return fmt.Sprintf("%s %#x", c.kind, c.bits)
}
