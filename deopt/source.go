package deopt

import (
	"fmt"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
)

// Word is one machine word of the optimized frame. Ref is set when the
// word holds an object reference; Bits holds everything else.
type Word struct {
	Bits uint64
	Ref  *heap.Object
}

// SourceFrame is the optimized frame being deoptimized, as captured by the
// stack walker.
type SourceFrame struct {
	PC        uint64
	SP        uint64
	Code      *codecache.Code
	Registers []Word
	Stack     []Word

	// ExceptionUnwind is set when the frame is being deoptimized while an
	// exception unwinds through it.
	ExceptionUnwind bool
}

func (s *SourceFrame) String() string {
	if s.Code != nil {
		return fmt.Sprintf("%v pc=%#x sp=%#x", s.Code, s.PC, s.SP)
	}
	return fmt.Sprintf("pc=%#x sp=%#x", s.PC, s.SP)
}

// resolve reads the value v describes from the optimized frame.
func (s *SourceFrame) resolve(v *frameinfo.Value, frame *frameinfo.Frame) frameinfo.Constant {
	var w Word
	switch v.Location {
	case frameinfo.InConstant:
		c := v.Constant
		if c.Kind() == frameinfo.KindObject {
			return frameinfo.ForObject(c.Object(), v.Compressed)
		}
		return c
	case frameinfo.InRegister:
		if v.Index < 0 || v.Index >= len(s.Registers) {
			fatalf(frame, "value %q reads register %d of %d", v.Name, v.Index, len(s.Registers))
		}
		w = s.Registers[v.Index]
	case frameinfo.InStack:
		if v.Index < 0 || v.Index >= len(s.Stack) {
			fatalf(frame, "value %q reads stack slot %d of %d", v.Name, v.Index, len(s.Stack))
		}
		w = s.Stack[v.Index]
	default:
		fatalf(frame, "value %q has unknown location %v", v.Name, v.Location)
	}

	switch v.Kind {
	case frameinfo.KindIllegal:
		return frameinfo.Illegal()
	case frameinfo.KindObject:
		return frameinfo.ForObject(w.Ref, v.Compressed)
	}
	return frameinfo.FromBits(v.Kind, w.Bits)
}
