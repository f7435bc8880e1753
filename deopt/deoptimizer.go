package deopt

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/critical"
	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
	"github.com/chazu/deoptkit/trace"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Metadata returns the frame information of a deoptimization point.
type Metadata interface {
	FrameInfo(pc uint64) (*frameinfo.PointInfo, bool)
}

// HandlerLookup returns the exception handler for a baseline resume pc.
type HandlerLookup interface {
	ExceptionHandler(pc uint64) (uint64, bool)
}

// MonitorManager prepares and performs monitor reacquisition.
// PrepareRelock may allocate; DoRelock may block.
type MonitorManager interface {
	PrepareRelock(obj *heap.Object) any
	DoRelock(obj *heap.Object, state any)
}

// CodeRegistry reports whether installed code is still valid.
type CodeRegistry interface {
	Lookup(id codecache.ID) (*codecache.Code, bool)
}

// Installer copies a committed frame buffer onto the stack at newSP.
type Installer interface {
	Install(content []byte, newSP uint64) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(content []byte, newSP uint64) error

func (f InstallerFunc) Install(content []byte, newSP uint64) error {
	return f(content, newSP)
}

// Journal records completed deoptimizations.
type Journal interface {
	Append(e *trace.Event) error
}

// Heap is the memory the deoptimizer allocates records in and writes
// references from. *heap.Heap implements it.
type Heap interface {
	critical.Safepoints
	Allocate(class string, size int) *heap.Object
	AddressOf(o *heap.Object) uint64
	Pin(o *heap.Object) *heap.Pin
	NewRawRegion(buf []byte, order binary.ByteOrder, wordSize int) *heap.RawRegion
	ReleaseRawRegion(r *heap.RawRegion)
}

// Collaborators are the runtime services a Deoptimizer uses. Heap,
// Metadata and Handlers are required. Monitors is required when metadata
// lists locks. Registry, Profiler and Journal are optional.
type Collaborators struct {
	Heap     Heap
	Metadata Metadata
	Handlers HandlerLookup
	Monitors MonitorManager
	Registry CodeRegistry
	Profiler *codecache.DeoptProfiler
	Journal  Journal
}

// ---------------------------------------------------------------------------
// Deoptimizer
// ---------------------------------------------------------------------------

// RecordClass is the class name of the heap object allocated per record.
const RecordClass = "DeoptimizedFrame"

// recordHeaderSize approximates the fixed part of a record object.
const recordHeaderSize = 64

// Deoptimizer builds and installs deoptimization records for one target.
type Deoptimizer struct {
	target Target
	c      Collaborators

	staged      atomic.Uint64
	committed   atomic.Uint64
	installed   atomic.Uint64
	redirected  atomic.Uint64
	bytesOutput atomic.Uint64
}

// NewDeoptimizer creates a deoptimizer.
func NewDeoptimizer(target Target, c Collaborators) *Deoptimizer {
	if c.Heap == nil || c.Metadata == nil || c.Handlers == nil {
		panic("deopt: Heap, Metadata and Handlers are required")
	}
	return &Deoptimizer{target: target, c: c}
}

// Target returns the target frames are laid out for.
func (d *Deoptimizer) Target() Target {
	return d.target
}

// Stage reads src through its metadata and builds the record: the logical
// frames innermost first, their layout in a new frame buffer, and the
// monitors to relock. Nothing is written to the buffer yet. Stage may
// allocate and must not be called inside a critical section.
func (d *Deoptimizer) Stage(src *SourceFrame, mode Mode) *Record {
	critical.AssertInterruptible("deopt stage")

	info, ok := d.c.Metadata.FrameInfo(src.PC)
	if !ok {
		fatalf(nil, "no frame info for deoptimization point %v", src)
	}
	if err := info.Validate(); err != nil {
		fatalf(nil, "invalid frame info for %v: %s", src, err)
	}

	// Regions are laid out innermost first from offset 0.
	n := len(info.Frames)
	header := d.target.frameHeaderSize()
	bases := make([]int, n)
	total := 0
	for i := n - 1; i >= 0; i-- {
		bases[i] = total
		total += header + info.Frames[i].Size
	}

	buf := NewFrameBuffer(total, d.target, d.c.Heap)

	var (
		caller  *LogicalFrame
		relocks []RelockRecord
	)
	for i := range info.Frames {
		fi := &info.Frames[i]
		f := d.stageFrame(src, fi, buf, bases[i], header, caller)
		if d.target.FramePointerChain {
			rel := uint64(total)
			if caller != nil {
				rel = uint64(caller.savedFP.offset)
			}
			f.savedFP = &SavedFramePointer{offset: bases[i] + d.target.WordSize, relative: rel}
		}

		for _, l := range fi.Locks {
			ref, ok := f.values[l.Slot].(ObjectRef)
			if !ok || ref.Object == nil {
				fatalf(fi, "lock slot %d does not hold an object", l.Slot)
			}
			if d.c.Monitors == nil {
				fatalf(fi, "frame holds a monitor but no monitor manager is configured")
			}
			relocks = append(relocks, RelockRecord{
				Object: ref.Object,
				State:  d.c.Monitors.PrepareRelock(ref.Object),
			})
		}
		caller = f
	}

	r := &Record{
		ID:               uuid.New(),
		d:                d,
		mode:             mode,
		object:           d.c.Heap.Allocate(RecordClass, recordHeaderSize+total),
		code:             codecache.NewHandle(src.Code),
		sourcePC:         src.PC,
		encodedFrameSize: info.EncodedFrameSize,
		top:              caller,
		relocks:          relocks,
		exceptionUnwind:  src.ExceptionUnwind,
		rethrow:          info.Rethrow,
		buffer:           buf,
	}

	d.staged.Add(1)
	log.Debugf("staged %v: %d frames, %d bytes, %d relocks", r, n, total, len(relocks))
	return r
}

// stageFrame resolves the values of one inlined level and reserves its
// reference slots in buf.
func (d *Deoptimizer) stageFrame(src *SourceFrame, fi *frameinfo.Frame, buf *FrameBuffer, base, header int, caller *LogicalFrame) *LogicalFrame {
	f := &LogicalFrame{
		info:          fi,
		caller:        caller,
		base:          base,
		size:          header + fi.Size,
		values:        make([]SlotValue, len(fi.Values)),
		returnAddress: ReturnAddress{offset: base, pc: fi.ResumePC},
	}

	used := make([]bool, fi.Size)
	for j := range fi.Values {
		v := &fi.Values[j]
		c := src.resolve(v, fi)
		if c.IsIllegal() {
			continue
		}
		sv := NewSlotValue(base+header+v.Offset, c, fi)

		size := sv.Size(d.target)
		if v.Offset < 0 || v.Offset+size > fi.Size {
			fatalf(fi, "slot %q at %d+%d outside frame of %d bytes", v.Name, v.Offset, size, fi.Size)
		}
		for k := v.Offset; k < v.Offset+size; k++ {
			if used[k] {
				fatalf(fi, "slot %q at %d overlaps another slot", v.Name, v.Offset)
			}
			used[k] = true
		}
		if ref, ok := sv.(ObjectRef); ok {
			buf.ReserveObjectRef(sv.Offset(), ref.Compressed)
		}
		f.values[j] = sv
	}
	return f
}

// Install hands a relocked record's buffer to inst. The copy and the
// installer run inside a critical section so no relocation can make the
// copied references stale. On success the record is unpinned, its buffer
// is released to the collector, and the deoptimization is counted by the
// profiler and written to the journal.
func (d *Deoptimizer) Install(r *Record, inst Installer) error {
	assertf(r.d == d, "%v belongs to another deoptimizer", r)
	assertf(r.state == StateRelocked, "install of %v", r)

	if err := d.install(r, inst); err != nil {
		return fmt.Errorf("install %v: %w", r, err)
	}
	r.state = StateInstalled
	d.installed.Add(1)
	d.bytesOutput.Add(uint64(r.buffer.Size()))
	if r.redirected {
		d.redirected.Add(1)
	}

	if r.Pinned() {
		r.Unpin()
	}
	r.buffer.Release()
	r.state = StateReleased

	code := r.SourceInstalledCode()
	var invalidated bool
	if d.c.Profiler != nil {
		invalidated = d.c.Profiler.RecordDeopt(code)
	}
	if d.c.Journal != nil {
		if err := d.c.Journal.Append(r.event(code, invalidated)); err != nil {
			log.Warningf("journal %v: %s", r, err)
		}
	}

	log.Info(r.completed)
	return nil
}

func (d *Deoptimizer) install(r *Record, inst Installer) error {
	s := critical.Enter("deopt: install frame", d.c.Heap)
	defer s.Exit()
	return inst.Install(r.buffer.Bytes(), r.newSP)
}

// Deoptimize runs every phase for src. Eager records are pinned between
// staging and commit; lazy records are committed right after staging.
func (d *Deoptimizer) Deoptimize(src *SourceFrame, mode Mode, newSP uint64, inst Installer) (*Record, error) {
	r := d.Stage(src, mode)
	if mode == Eager {
		r.Pin()
	}
	r.Commit(newSP)
	r.Relock()
	if err := d.Install(r, inst); err != nil {
		return r, err
	}
	return r, nil
}

// Stats holds deoptimizer counters.
type Stats struct {
	Staged      uint64
	Committed   uint64
	Installed   uint64
	Redirected  uint64
	BytesOutput uint64
}

// Stats returns the deoptimizer counters.
func (d *Deoptimizer) Stats() Stats {
	return Stats{
		Staged:      d.staged.Load(),
		Committed:   d.committed.Load(),
		Installed:   d.installed.Load(),
		Redirected:  d.redirected.Load(),
		BytesOutput: d.bytesOutput.Load(),
	}
}

// event builds the journal entry for an installed record.
func (r *Record) event(code *codecache.Code, invalidated bool) *trace.Event {
	e := &trace.Event{
		ID:              r.ID,
		Time:            time.Now().UnixNano(),
		Mode:            r.mode.String(),
		Target:          r.d.target.Name,
		SourcePC:        r.sourcePC,
		NewSP:           r.newSP,
		BufferSize:      r.buffer.Size(),
		Relocks:         len(r.relocks),
		ExceptionUnwind: r.exceptionUnwind,
		Redirected:      r.redirected,
		Invalidated:     invalidated,
	}
	if code != nil {
		e.Code = code.Name()
		e.CodeID = uint64(code.ID())
	} else if id := r.code.ID(); id != 0 {
		e.CodeID = uint64(id)
	}
	for f := r.top; f != nil; f = f.caller {
		slots := 0
		for _, v := range f.values {
			if v != nil {
				slots++
			}
		}
		e.Frames = append(e.Frames, trace.FrameEvent{
			Method:   f.info.Method,
			BCI:      f.info.BCI,
			ResumePC: f.returnAddress.pc,
			Size:     f.size,
			Slots:    slots,
			Locks:    len(f.info.Locks),
		})
	}
	return e
}
