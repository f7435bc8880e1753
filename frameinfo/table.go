package frameinfo

import (
	"fmt"
	"sort"
	"sync"
)

// Location says where an optimized frame keeps a baseline slot's value.
type Location uint8

const (
	InConstant Location = iota // Value is a compile-time constant
	InRegister                 // Value is in a saved register
	InStack                    // Value is in an optimized-frame stack slot
)

func (l Location) String() string {
	switch l {
	case InConstant:
		return "constant"
	case InRegister:
		return "register"
	case InStack:
		return "stack"
	}
	return fmt.Sprintf("location(%d)", uint8(l))
}

// Value maps one baseline slot to its source in the optimized frame.
type Value struct {
	Name       string   // Slot name, for diagnostics
	Kind       Kind     // Declared kind of the baseline slot
	Location   Location // Where the value comes from
	Constant   Constant // Used when Location is InConstant
	Index      int      // Register number or stack slot index
	Offset     int      // Byte offset of the slot inside the baseline frame
	Compressed bool     // Object slots: write as a compressed reference
}

// Lock is a monitor held by a baseline frame at the deopt point. Slot is
// the index into the frame's Values of the locked object.
type Lock struct {
	Slot int
}

// Frame describes one inlined level at a deoptimization point.
type Frame struct {
	Method   string  // Baseline method, e.g. "List>>do:"
	BCI      int     // Bytecode index of the resume point
	ResumePC uint64  // Baseline code address to resume at
	Size     int     // Bytes of slot storage in the baseline frame
	Values   []Value // Indexed like the baseline method's slots
	Locks    []Lock  // Monitors held, oldest first
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s@%d", f.Method, f.BCI)
}

// PointInfo is the metadata for one deoptimization point.
type PointInfo struct {
	PC               uint64  // Program counter in the optimized code
	EncodedFrameSize int64   // Size of the optimized frame
	Frames           []Frame // Outermost first
	Rethrow          bool    // Baseline code at this point rethrows itself
}

// Validate checks structural consistency of p. It does not check slot
// overlap, which depends on the target's reference width.
func (p *PointInfo) Validate() error {
	if len(p.Frames) == 0 {
		return fmt.Errorf("point %#x: no frames", p.PC)
	}
	for i := range p.Frames {
		f := &p.Frames[i]
		if f.Size < 0 {
			return fmt.Errorf("point %#x frame %d: negative size", p.PC, i)
		}
		for _, l := range f.Locks {
			if l.Slot < 0 || l.Slot >= len(f.Values) {
				return fmt.Errorf("point %#x frame %v: lock slot %d out of range", p.PC, f, l.Slot)
			}
			if f.Values[l.Slot].Kind != KindObject {
				return fmt.Errorf("point %#x frame %v: lock slot %d is not an object", p.PC, f, l.Slot)
			}
		}
	}
	return nil
}

// Table is an in-memory metadata provider keyed by program counter. It
// also serves as the exception-handler lookup.
type Table struct {
	mu       sync.RWMutex
	points   map[uint64]*PointInfo
	handlers map[uint64]uint64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		points:   make(map[uint64]*PointInfo),
		handlers: make(map[uint64]uint64),
	}
}

// Register adds the metadata for a deoptimization point.
func (t *Table) Register(p *PointInfo) error {
	if err := p.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.points[p.PC]; dup {
		return fmt.Errorf("point %#x registered twice", p.PC)
	}
	t.points[p.PC] = p
	return nil
}

// RegisterHandler records that an exception raised while resuming at pc
// is dispatched to handler.
func (t *Table) RegisterHandler(pc, handler uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[pc] = handler
}

// FrameInfo returns the metadata for the deoptimization point at pc.
func (t *Table) FrameInfo(pc uint64) (*PointInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.points[pc]
	return p, ok
}

// ExceptionHandler returns the handler address for pc.
func (t *Table) ExceptionHandler(pc uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[pc]
	return h, ok
}

// Points returns the registered program counters in ascending order.
func (t *Table) Points() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pcs := make([]uint64, 0, len(t.points))
	for pc := range t.points {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	return pcs
}
