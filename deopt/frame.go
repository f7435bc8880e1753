package deopt

import (
	"fmt"

	"github.com/chazu/deoptkit/frameinfo"
)

// ReturnAddress is the return-address entry at the start of a frame's
// region. For the innermost frame it is where execution resumes.
type ReturnAddress struct {
	offset int
	pc     uint64
}

// Offset returns the absolute offset in the frame buffer.
func (r *ReturnAddress) Offset() int { return r.offset }

// PC returns the address execution continues at.
func (r *ReturnAddress) PC() uint64 { return r.pc }

// SavedFramePointer is the caller frame pointer stored next to the return
// address on targets with a frame pointer chain. The value is relative to
// the new stack pointer and is made absolute at commit.
type SavedFramePointer struct {
	offset   int
	relative uint64
}

// Offset returns the absolute offset in the frame buffer.
func (s *SavedFramePointer) Offset() int { return s.offset }

// Relative returns the frame pointer value relative to the new SP.
func (s *SavedFramePointer) Relative() uint64 { return s.relative }

// LogicalFrame is one baseline frame rebuilt from an optimized frame. A
// single optimized frame produces one LogicalFrame per inlined method.
type LogicalFrame struct {
	info   *frameinfo.Frame
	caller *LogicalFrame
	base   int
	size   int
	values []SlotValue

	returnAddress ReturnAddress
	savedFP       *SavedFramePointer
}

// Info returns the metadata the frame was built from.
func (f *LogicalFrame) Info() *frameinfo.Frame { return f.info }

// Caller returns the frame this one returns to, or nil for the outermost.
func (f *LogicalFrame) Caller() *LogicalFrame { return f.caller }

// Region returns the frame's base offset and size in the frame buffer.
func (f *LogicalFrame) Region() (base, size int) { return f.base, f.size }

// ReturnAddress returns the frame's return address entry.
func (f *LogicalFrame) ReturnAddress() *ReturnAddress { return &f.returnAddress }

// SavedFramePointer returns the saved frame pointer entry, or nil on
// targets without a frame pointer chain.
func (f *LogicalFrame) SavedFramePointer() *SavedFramePointer { return f.savedFP }

// NumValues returns the number of baseline slots.
func (f *LogicalFrame) NumValues() int { return len(f.values) }

// Value returns slot i, or nil if the slot holds no value.
func (f *LogicalFrame) Value(i int) SlotValue { return f.values[i] }

// Constant returns the typed value of slot i. Empty slots are illegal.
func (f *LogicalFrame) Constant(i int) frameinfo.Constant {
	if v := f.values[i]; v != nil {
		return v.Constant()
	}
	return frameinfo.Illegal()
}

func (f *LogicalFrame) String() string {
	return fmt.Sprintf("%v [%d+%d]", f.info, f.base, f.size)
}

// write emits the frame into b. newSP turns the saved frame pointer into
// an absolute address.
func (f *LogicalFrame) write(b *FrameBuffer, newSP uint64) {
	b.WriteAddress(f.returnAddress.offset, f.returnAddress.pc)
	if f.savedFP != nil {
		b.WriteAddress(f.savedFP.offset, newSP+f.savedFP.relative)
	}
	for _, v := range f.values {
		if v != nil {
			writeSlot(b, v)
		}
	}
}
