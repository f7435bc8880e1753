package deopt

import (
	"fmt"
	"math"

	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
)

// SlotValue is one value of a rebuilt frame, ready to be written at its
// absolute offset in the frame buffer. The variants are ScalarNarrow,
// ScalarWide and ObjectRef.
type SlotValue interface {
	// Offset is the absolute byte offset in the frame buffer.
	Offset() int
	// Constant is the typed value the slot was built from.
	Constant() frameinfo.Constant
	// Size is the number of bytes written for t.
	Size(t Target) int

	slotValue()
}

type slot struct {
	offset   int
	constant frameinfo.Constant
}

func (s slot) Offset() int                  { return s.offset }
func (s slot) Constant() frameinfo.Constant { return s.constant }
func (slot) slotValue()                     {}

// ScalarNarrow is a 4-byte primitive: boolean, byte, char, short, int or
// float. Sub-word integers are stored sign- or zero-extended to 32 bits.
type ScalarNarrow struct {
	slot
	Bits uint32
}

func (ScalarNarrow) Size(Target) int { return 4 }

// ScalarWide is an 8-byte primitive: long or double.
type ScalarWide struct {
	slot
	Bits uint64
}

func (ScalarWide) Size(Target) int { return 8 }

// ObjectRef is a reference to a heap object, or null.
type ObjectRef struct {
	slot
	Object     *heap.Object
	Compressed bool
}

func (v ObjectRef) Size(t Target) int { return t.ReferenceSize(v.Compressed) }

// NewSlotValue builds the slot value for c at offset. A constant of any
// kind that cannot live in a frame slot is fatal.
func NewSlotValue(offset int, c frameinfo.Constant, frame *frameinfo.Frame) SlotValue {
	s := slot{offset: offset, constant: c}

	switch c.Kind() {
	case frameinfo.KindBoolean, frameinfo.KindByte, frameinfo.KindChar,
		frameinfo.KindShort, frameinfo.KindInt:
		return ScalarNarrow{slot: s, Bits: uint32(c.AsInt())}
	case frameinfo.KindFloat:
		return ScalarNarrow{slot: s, Bits: math.Float32bits(c.AsFloat())}
	case frameinfo.KindLong:
		return ScalarWide{slot: s, Bits: uint64(c.AsLong())}
	case frameinfo.KindDouble:
		return ScalarWide{slot: s, Bits: math.Float64bits(c.AsDouble())}
	case frameinfo.KindObject:
		return ObjectRef{slot: s, Object: c.Object(), Compressed: c.IsCompressed()}
	}
	fatalf(frame, "unexpected constant kind: %v", c)
	return nil
}

// writeSlot writes v into b.
func writeSlot(b *FrameBuffer, v SlotValue) {
	switch v := v.(type) {
	case ScalarNarrow:
		b.WriteScalar4(v.offset, v.Bits)
	case ScalarWide:
		b.WriteScalar8(v.offset, v.Bits)
	case ObjectRef:
		b.WriteObjectRef(v.offset, v.Object, v.Compressed)
	default:
		panic(fmt.Sprintf("deopt: unknown slot value %T", v))
	}
}
