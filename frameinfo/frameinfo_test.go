package frameinfo

import (
	"math"
	"testing"

	"github.com/chazu/deoptkit/heap"
)

func TestConstantBits(t *testing.T) {
	tests := []struct {
		name string
		c    Constant
		kind Kind
		bits uint64
	}{
		{"int", ForInt(42), KindInt, 42},
		{"negative int", ForInt(-1), KindInt, 0xFFFFFFFFFFFFFFFF},
		{"byte", ForByte(-2), KindByte, 0xFFFFFFFFFFFFFFFE},
		{"char", ForChar(0xFFFF), KindChar, 0xFFFF},
		{"boolean", ForBoolean(true), KindBoolean, 1},
		{"long", ForLong(7), KindLong, 7},
		{"float", ForFloat(1.5), KindFloat, uint64(math.Float32bits(1.5))},
		{"double", ForDouble(-0.25), KindDouble, math.Float64bits(-0.25)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.c.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", tt.c.Kind(), tt.kind)
			}
			if tt.c.Bits() != tt.bits {
				t.Errorf("Bits() = %#x, want %#x", tt.c.Bits(), tt.bits)
			}
		})
	}
}

func TestFromBitsNarrows(t *testing.T) {
	if c := FromBits(KindInt, 0xAAAAAAAA_00000007); c.AsInt() != 7 {
		t.Errorf("int from wide register = %d, want 7", c.AsInt())
	}
	if c := FromBits(KindShort, 0xFFFF); c.AsInt() != -1 {
		t.Errorf("short 0xFFFF = %d, want -1", c.AsInt())
	}
	if c := FromBits(KindFloat, uint64(math.Float32bits(2.5))); c.AsFloat() != 2.5 {
		t.Errorf("float = %g, want 2.5", c.AsFloat())
	}
	if c := FromBits(KindDouble, math.Float64bits(3.25)); c.AsDouble() != 3.25 {
		t.Errorf("double = %g, want 3.25", c.AsDouble())
	}
}

func TestObjectConstant(t *testing.T) {
	h := heap.New(heap.DefaultConfig())
	o := h.Allocate("Point", 16)

	c := ForObject(o, true)
	if c.Kind() != KindObject || c.Object() != o || !c.IsCompressed() {
		t.Errorf("unexpected object constant %v", c)
	}
	if !Illegal().IsIllegal() {
		t.Error("Illegal() should be illegal")
	}
}

func TestParseKind(t *testing.T) {
	for k := KindIllegal; k <= KindVoid; k++ {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("quaternion"); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestTableLookups(t *testing.T) {
	tbl := NewTable()
	p := &PointInfo{
		PC: 0x4000,
		Frames: []Frame{
			{Method: "A>>run", ResumePC: 0x9000, Size: 8},
		},
	}
	if err := tbl.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tbl.Register(p); err == nil {
		t.Error("duplicate registration should fail")
	}
	tbl.RegisterHandler(0x9000, 0x9100)

	if got, ok := tbl.FrameInfo(0x4000); !ok || got != p {
		t.Errorf("FrameInfo = %v, %v", got, ok)
	}
	if _, ok := tbl.FrameInfo(0x4001); ok {
		t.Error("unknown pc should miss")
	}
	if h, ok := tbl.ExceptionHandler(0x9000); !ok || h != 0x9100 {
		t.Errorf("ExceptionHandler = %#x, %v", h, ok)
	}
	if _, ok := tbl.ExceptionHandler(0x9001); ok {
		t.Error("unknown handler pc should miss")
	}
	if pcs := tbl.Points(); len(pcs) != 1 || pcs[0] != 0x4000 {
		t.Errorf("Points() = %v", pcs)
	}
}

func TestValidateRejectsBadLocks(t *testing.T) {
	tests := []struct {
		name string
		p    *PointInfo
	}{
		{"no frames", &PointInfo{PC: 1}},
		{"lock out of range", &PointInfo{PC: 2, Frames: []Frame{{Locks: []Lock{{Slot: 0}}}}}},
		{"lock on int", &PointInfo{PC: 3, Frames: []Frame{{
			Values: []Value{{Kind: KindInt}},
			Locks:  []Lock{{Slot: 0}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}
