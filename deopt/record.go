package deopt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/critical"
	"github.com/chazu/deoptkit/heap"
)

// Mode says how a deoptimization was triggered.
type Mode uint8

const (
	// Lazy deoptimization patches the return address of a frame that is
	// not running; the frame is rebuilt when control returns to it.
	Lazy Mode = iota
	// Eager deoptimization rebuilds the running frame immediately. The
	// record must be pinned so the stub can find it.
	Eager
)

func (m Mode) String() string {
	if m == Eager {
		return "eager"
	}
	return "lazy"
}

func (m Mode) adverb() string {
	if m == Eager {
		return "eagerly"
	}
	return "lazily"
}

// State is the lifecycle state of a Record.
type State uint8

const (
	StateStaging State = iota
	StateCommitting
	StateCommitted
	StateRelocked
	StateInstalled
	StateReleased
)

var stateNames = [...]string{
	StateStaging:    "staging",
	StateCommitting: "committing",
	StateCommitted:  "committed",
	StateRelocked:   "relocked",
	StateInstalled:  "installed",
	StateReleased:   "released",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// RelockRecord is a monitor to reacquire after commit. State is produced
// by MonitorManager.PrepareRelock and is opaque to this package.
type RelockRecord struct {
	Object *heap.Object
	State  any
}

// Record is one deoptimization in progress: the rebuilt frames, their
// buffer and the monitors to relock.
type Record struct {
	ID uuid.UUID

	d      *Deoptimizer
	mode   Mode
	state  State
	object *heap.Object

	pin      *heap.Pin
	unpinned bool

	code             codecache.Handle
	sourcePC         uint64
	encodedFrameSize int64

	top     *LogicalFrame
	buffer  *FrameBuffer
	relocks []RelockRecord

	exceptionUnwind bool
	rethrow         bool
	redirected      bool

	newSP     uint64
	completed string
}

// Mode returns how the deoptimization was triggered.
func (r *Record) Mode() Mode { return r.mode }

// State returns the lifecycle state.
func (r *Record) State() State { return r.state }

// Object returns the heap object that stands for the record. Its address
// is what the stub receives for eager deoptimization.
func (r *Record) Object() *heap.Object { return r.object }

// SourcePC returns the program counter of the optimized frame.
func (r *Record) SourcePC() uint64 { return r.sourcePC }

// SourceEncodedFrameSize returns the size of the optimized frame.
func (r *Record) SourceEncodedFrameSize() int64 { return r.encodedFrameSize }

// SourceTotalFrameSize returns the size of the optimized frame including
// its return address.
func (r *Record) SourceTotalFrameSize() int64 {
	return r.encodedFrameSize + int64(r.d.target.WordSize)
}

// SourceInstalledCode returns the optimized code the frame belonged to, or
// nil once that code has been invalidated or collected.
func (r *Record) SourceInstalledCode() *codecache.Code {
	c := r.code.Get()
	if c == nil {
		return nil
	}
	if reg := r.d.c.Registry; reg != nil {
		if _, ok := reg.Lookup(c.ID()); !ok {
			return nil
		}
	}
	return c
}

// TopFrame returns the innermost rebuilt frame.
func (r *Record) TopFrame() *LogicalFrame { return r.top }

// Frames returns the rebuilt frames, innermost first.
func (r *Record) Frames() []*LogicalFrame {
	var out []*LogicalFrame
	for f := r.top; f != nil; f = f.caller {
		out = append(out, f)
	}
	return out
}

// Buffer returns the frame buffer.
func (r *Record) Buffer() *FrameBuffer { return r.buffer }

// RelockRecords returns the monitors to reacquire, oldest first.
func (r *Record) RelockRecords() []RelockRecord { return r.relocks }

// ExceptionUnwind reports whether the frame was deoptimized while an
// exception unwound through it.
func (r *Record) ExceptionUnwind() bool { return r.exceptionUnwind }

// Rethrow reports whether the baseline code at the resume point rethrows
// by itself, making the exception redirect unnecessary.
func (r *Record) Rethrow() bool { return r.rethrow }

// Redirected reports whether the innermost return address was rewritten
// to the exception handler.
func (r *Record) Redirected() bool { return r.redirected }

// NewSP returns the stack pointer the record was committed for.
func (r *Record) NewSP() uint64 { return r.newSP }

// InPlaceSP returns the new stack pointer when the rebuilt frames replace
// the optimized frame at sourceSP in place.
func (r *Record) InPlaceSP(sourceSP uint64) uint64 {
	return sourceSP + uint64(r.SourceTotalFrameSize()) - uint64(r.buffer.Size())
}

// CompletedMessage returns the message logged when the record is
// installed. It is built at commit.
func (r *Record) CompletedMessage() string { return r.completed }

func (r *Record) String() string {
	return fmt.Sprintf("record %s (%v, %v)", r.ID, r.mode, r.state)
}

// ---------------------------------------------------------------------------
// Pinning
// ---------------------------------------------------------------------------

// Pin fixes the record's address for eager deoptimization. It must be
// called once, after staging and before commit.
func (r *Record) Pin() {
	assertf(r.mode == Eager, "pin of lazy %v", r)
	if r.state != StateStaging {
		fatalf(r.top.info, "%v pinned after commit began", r)
	}
	assertf(r.pin == nil, "%v pinned twice", r)
	r.pin = r.d.c.Heap.Pin(r.object)
}

// Unpin releases the pin taken by Pin. It must be called once, after
// commit.
func (r *Record) Unpin() {
	assertf(r.mode == Eager, "unpin of lazy %v", r)
	assertf(r.pin != nil, "unpin of %v that was never pinned", r)
	assertf(!r.unpinned, "%v unpinned twice", r)
	assertf(r.state >= StateCommitted, "unpin of %v before commit", r)
	r.pin.Close()
	r.unpinned = true
}

// Pinned reports whether the record currently holds a pin.
func (r *Record) Pinned() bool {
	return r.pin != nil && !r.unpinned
}

// ---------------------------------------------------------------------------
// Exception redirect
// ---------------------------------------------------------------------------

// TakeException redirects the innermost frame to its exception handler.
// It is a no-op if the record was already redirected or the resume point
// rethrows by itself. A missing handler is fatal.
func (r *Record) TakeException() {
	if r.state != StateStaging {
		fatalf(r.top.info, "exception redirect of %v after commit began", r)
	}
	r.takeException()
}

func (r *Record) takeException() {
	if r.redirected || r.rethrow {
		return
	}
	ra := &r.top.returnAddress
	handler, ok := r.d.c.Handlers.ExceptionHandler(ra.pc)
	if !ok {
		Fatal("no exception handler registered for deopt target", r.top.info)
	}
	log.Debugf("%v: redirect %#x -> handler %#x", r, ra.pc, handler)
	ra.pc = handler
	r.redirected = true
}

// ---------------------------------------------------------------------------
// Commit and relock
// ---------------------------------------------------------------------------

// Commit writes the rebuilt frames into the frame buffer for a stack
// pointer of newSP. The writes happen in an uninterruptible section: the
// collector cannot move objects and nothing may allocate until the buffer
// is complete. Committing twice is fatal.
func (r *Record) Commit(newSP uint64) {
	if r.state != StateStaging {
		fatalf(r.top.info, "%v committed twice", r)
	}
	assertf(r.mode != Eager || r.pin != nil, "commit of unpinned eager %v", r)

	if r.exceptionUnwind {
		r.takeException()
	}

	r.state = StateCommitting
	r.newSP = newSP
	r.completed = fmt.Sprintf("deopt: completed %s for record %s at %#x",
		r.mode.adverb(), r.ID, r.d.c.Heap.AddressOf(r.object))

	r.build(newSP)

	r.state = StateCommitted
	r.d.committed.Add(1)
	log.Debugf("%v: committed %d bytes for sp %#x", r, r.buffer.Size(), newSP)
}

func (r *Record) build(newSP uint64) {
	s := critical.Enter("deopt: build frame content", r.d.c.Heap)
	defer s.Exit()

	for f := r.top; f != nil; f = f.caller {
		f.write(r.buffer, newSP)
	}
}

// Relock reacquires the monitors held by the rebuilt frames, oldest first.
// It may block and must run after commit, outside any critical section.
func (r *Record) Relock() {
	assertf(r.state == StateCommitted, "relock of %v", r)
	for _, rl := range r.relocks {
		r.d.c.Monitors.DoRelock(rl.Object, rl.State)
	}
	r.state = StateRelocked
	if len(r.relocks) > 0 {
		log.Debugf("%v: relocked %d monitors", r, len(r.relocks))
	}
}
