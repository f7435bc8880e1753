package deopt

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/critical"
	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
	"github.com/chazu/deoptkit/trace"
)

const (
	scenarioPC = 0x4010
	innerPC    = 0x9010
	outerPC    = 0x9200
	handlerPC  = 0x9900
	newSP      = 0x7f0000
)

// inliningPoint is Outer>>run with Inner>>step inlined into it. On AMD64
// the layout is:
//
//	 0 inner RA      8 inner FP     16 x (double)   24 ref (compressed)   28 flag
//	32 outer RA     40 outer FP     48 self         56 count (int)        64 total (long)
func inliningPoint() *frameinfo.PointInfo {
	return &frameinfo.PointInfo{
		PC:               scenarioPC,
		EncodedFrameSize: 80,
		Frames: []frameinfo.Frame{
			{
				Method:   "Outer>>run",
				BCI:      12,
				ResumePC: outerPC,
				Size:     24,
				Values: []frameinfo.Value{
					{Name: "self", Kind: frameinfo.KindObject, Location: frameinfo.InRegister, Index: 0, Offset: 0},
					{Name: "count", Kind: frameinfo.KindInt, Location: frameinfo.InStack, Index: 0, Offset: 8},
					constValue("total", frameinfo.ForLong(-5), 16),
				},
				Locks: []frameinfo.Lock{{Slot: 0}},
			},
			{
				Method:   "Inner>>step",
				BCI:      4,
				ResumePC: innerPC,
				Size:     16,
				Values: []frameinfo.Value{
					{Name: "x", Kind: frameinfo.KindDouble, Location: frameinfo.InRegister, Index: 1, Offset: 0},
					{Name: "ref", Kind: frameinfo.KindObject, Location: frameinfo.InStack, Index: 1, Offset: 8, Compressed: true},
					constValue("flag", frameinfo.ForBoolean(true), 12),
					{Name: "dead", Kind: frameinfo.KindIllegal, Location: frameinfo.InConstant},
				},
			},
		},
	}
}

type scenario struct {
	*env
	self *heap.Object
	ref  *heap.Object
	code *codecache.Code
	src  *SourceFrame
}

func newScenario(t *testing.T, target Target) *scenario {
	t.Helper()
	e := newEnv(t, target)
	e.register(t, inliningPoint())
	e.table.RegisterHandler(innerPC, handlerPC)

	s := &scenario{
		env:  e,
		self: e.heap.Allocate("Outer", 32),
		ref:  e.heap.Allocate("Point", 16),
		code: e.registry.Install("Outer>>run", 0x4000, 0x100),
	}
	s.src = &SourceFrame{
		PC:   scenarioPC,
		SP:   0x7f1000,
		Code: s.code,
		Registers: []Word{
			{Ref: s.self},
			{Bits: math.Float64bits(2.5)},
		},
		Stack: []Word{
			{Bits: 0xFFFFFFFF_00000007},
			{Ref: s.ref},
		},
	}
	return s
}

func TestTwoLevelInliningScenario(t *testing.T) {
	s := newScenario(t, AMD64)
	h := s.heap

	r := s.d.Stage(s.src, Eager)
	if r.State() != StateStaging {
		t.Fatalf("State() = %v after Stage", r.State())
	}
	if r.Buffer().Size() != 72 {
		t.Fatalf("buffer size = %d, want 72", r.Buffer().Size())
	}

	// The collector may run between staging and commit.
	h.Relocate(s.ref)
	h.Relocate(s.self)

	r.Pin()
	if h.Relocate(r.Object()) {
		t.Error("pinned record object moved")
	}
	r.Commit(newSP)
	r.Relock()

	if !s.monitors.HoldsLock(s.self) {
		t.Error("monitor of self should be held after relock")
	}
	defer s.monitors.Exit(s.self)

	// And between commit and install.
	h.Relocate(s.ref)
	h.Relocate(s.self)

	inst := &captureInstaller{}
	if err := s.d.Install(r, inst); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if r.State() != StateReleased || r.Pinned() {
		t.Errorf("after install: state %v, pinned %v", r.State(), r.Pinned())
	}
	if inst.sp != newSP {
		t.Errorf("installed at %#x, want %#x", inst.sp, uint64(newSP))
	}

	le := binary.LittleEndian
	c := inst.content
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"inner RA", le.Uint64(c[0:]), innerPC},
		{"inner FP", le.Uint64(c[8:]), newSP + 40},
		{"x", le.Uint64(c[16:]), math.Float64bits(2.5)},
		{"flag", uint64(le.Uint32(c[28:])), 1},
		{"outer RA", le.Uint64(c[32:]), outerPC},
		{"outer FP", le.Uint64(c[40:]), newSP + 72},
		{"count", uint64(le.Uint32(c[56:])), 7},
		{"total", le.Uint64(c[64:]), 0xFFFFFFFFFFFFFFFB},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %#x, want %#x", ck.name, ck.got, ck.want)
		}
	}
	if got := h.ObjectAt(h.Decompress(le.Uint32(c[24:]))); got != s.ref {
		t.Errorf("ref slot decodes to %v, want %v", got, s.ref)
	}
	if got := h.ObjectAt(le.Uint64(c[48:])); got != s.self {
		t.Errorf("self slot decodes to %v, want %v", got, s.self)
	}
	if h.RawRegions() != 0 {
		t.Error("raw region should be released after install")
	}
}

func TestFrameChainIntegrity(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Lazy)

	frames := r.Frames()
	if len(frames) != 2 {
		t.Fatalf("len(Frames()) = %d, want 2", len(frames))
	}
	if frames[0] != r.TopFrame() || frames[0].Caller() != frames[1] || frames[1].Caller() != nil {
		t.Error("frames not linked innermost first")
	}
	if frames[0].Info().Method != "Inner>>step" || frames[1].Info().Method != "Outer>>run" {
		t.Errorf("unexpected frame order %v, %v", frames[0], frames[1])
	}

	total := 0
	for _, f := range frames {
		_, size := f.Region()
		total += size
	}
	if total != r.Buffer().Size() {
		t.Errorf("sum of regions %d != buffer size %d", total, r.Buffer().Size())
	}

	top := frames[0]
	if top.Value(3) != nil || !top.Constant(3).IsIllegal() {
		t.Error("dead slot should be empty and illegal")
	}
	if top.ReturnAddress().PC() != innerPC || top.ReturnAddress().Offset() != 0 {
		t.Errorf("top return address %#x at %d", top.ReturnAddress().PC(), top.ReturnAddress().Offset())
	}
	if fp := top.SavedFramePointer(); fp == nil || fp.Relative() != 40 || fp.Offset() != 8 {
		t.Errorf("top saved FP = %+v", fp)
	}
	if fp := frames[1].SavedFramePointer(); fp == nil || fp.Relative() != 72 {
		t.Errorf("outer saved FP = %+v", fp)
	}
}

func TestRoundTripAllKinds(t *testing.T) {
	constants := func(o *heap.Object) []frameinfo.Constant {
		return []frameinfo.Constant{
			frameinfo.ForBoolean(true),
			frameinfo.ForByte(-7),
			frameinfo.ForChar('λ'),
			frameinfo.ForShort(-300),
			frameinfo.ForInt(math.MinInt32),
			frameinfo.ForFloat(-1.5),
			frameinfo.ForLong(math.MaxInt64),
			frameinfo.ForDouble(math.Pi),
			frameinfo.ForObject(o, false),
			frameinfo.ForObject(o, true),
			frameinfo.ForObject(nil, true),
		}
	}

	for _, target := range []Target{AMD64, S390X, RISCV64} {
		t.Run(target.Name, func(t *testing.T) {
			e := newEnv(t, target)
			o := e.heap.Allocate("Obj", 8)

			for i, c := range constants(o) {
				pc := uint64(0x1000 + i)
				e.singleFrame(t, pc, 8, constValue("v", c, 0))

				r, err := e.d.Deoptimize(&SourceFrame{PC: pc}, Lazy, newSP, &captureInstaller{})
				if err != nil {
					t.Fatalf("%v: %v", c, err)
				}

				b := r.Buffer()
				v := r.TopFrame().Value(0)
				switch c.Kind() {
				case frameinfo.KindLong, frameinfo.KindDouble:
					if got := b.ReadScalar8(v.Offset()); got != c.Bits() {
						t.Errorf("%v read back %#x", c, got)
					}
				case frameinfo.KindFloat:
					if got := b.ReadScalar4(v.Offset()); got != uint32(c.Bits()) {
						t.Errorf("%v read back %#x", c, got)
					}
				case frameinfo.KindObject:
					if got := b.ReadObjectRef(v.Offset(), c.IsCompressed()); got != c.Object() {
						t.Errorf("%v read back %v", c, got)
					}
				default:
					if got := int32(b.ReadScalar4(v.Offset())); got != c.AsInt() {
						t.Errorf("%v read back %d", c, got)
					}
				}
			}
		})
	}
}

func TestNoFramePointerChain(t *testing.T) {
	s := newScenario(t, RISCV64)
	r := s.d.Stage(s.src, Lazy)

	// Header is only the return address: 8+16 and 8+24.
	if r.Buffer().Size() != 56 {
		t.Errorf("buffer size = %d, want 56", r.Buffer().Size())
	}
	for _, f := range r.Frames() {
		if f.SavedFramePointer() != nil {
			t.Errorf("%v has a saved frame pointer on %v", f, RISCV64)
		}
	}
}

func TestBigEndianScenario(t *testing.T) {
	s := newScenario(t, S390X)
	inst := &captureInstaller{}
	r, err := s.d.Deoptimize(s.src, Lazy, newSP, inst)
	if err != nil {
		t.Fatalf("Deoptimize: %v", err)
	}
	defer s.monitors.Exit(s.self)

	be := binary.BigEndian
	if got := be.Uint64(inst.content[0:]); got != innerPC {
		t.Errorf("inner RA = %#x", got)
	}
	// Without a frame pointer chain count sits at 24+8+8.
	if got := be.Uint32(inst.content[40:]); got != 7 {
		t.Errorf("count = %d, want 7", got)
	}
	if r.Mode() != Lazy || !strings.Contains(r.CompletedMessage(), "completed lazily") {
		t.Errorf("completed message %q", r.CompletedMessage())
	}
}

func TestRelockOrder(t *testing.T) {
	e := newEnv(t, AMD64)
	rm := &recordingMonitors{}
	e.d.c.Monitors = rm

	a := e.heap.Allocate("A", 8)
	b := e.heap.Allocate("B", 8)
	c := e.heap.Allocate("C", 8)
	obj := func(name string, idx int) frameinfo.Value {
		return frameinfo.Value{Name: name, Kind: frameinfo.KindObject, Location: frameinfo.InRegister, Index: idx, Offset: 8 * idx}
	}
	e.register(t, &frameinfo.PointInfo{
		PC: 0x100,
		Frames: []frameinfo.Frame{
			{Method: "Outer", ResumePC: 0x200, Size: 24, Values: []frameinfo.Value{obj("a", 0), obj("b", 1)}, Locks: []frameinfo.Lock{{Slot: 0}, {Slot: 1}}},
			{Method: "Inner", ResumePC: 0x300, Size: 24, Values: []frameinfo.Value{obj("x", 0), obj("y", 1), obj("c", 2)}, Locks: []frameinfo.Lock{{Slot: 2}}},
		},
	})
	src := &SourceFrame{PC: 0x100, Registers: []Word{{Ref: a}, {Ref: b}, {Ref: c}}}

	r := e.d.Stage(src, Lazy)
	r.Commit(newSP)
	if len(rm.relocked) != 0 {
		t.Fatal("commit must not relock")
	}
	r.Relock()

	want := []*heap.Object{a, b, c}
	if len(rm.relocked) != len(want) {
		t.Fatalf("relocked %v, want %v", rm.relocked, want)
	}
	for i := range want {
		if rm.prepared[i] != want[i] || rm.relocked[i] != want[i] {
			t.Errorf("relock %d: prepared %v relocked %v, want %v", i, rm.prepared[i], rm.relocked[i], want[i])
		}
		if rm.states[i] != i+1 {
			t.Errorf("relock %d got state %v", i, rm.states[i])
		}
	}
	if rl := r.RelockRecords(); len(rl) != 3 || rl[0].Object != a {
		t.Errorf("RelockRecords() = %v", rl)
	}
}

func TestLockSlotMustHoldObject(t *testing.T) {
	e := newEnv(t, AMD64)
	e.register(t, &frameinfo.PointInfo{
		PC: 0x100,
		Frames: []frameinfo.Frame{{
			Method: "M", ResumePC: 0x200, Size: 8,
			Values: []frameinfo.Value{constValue("o", frameinfo.ForObject(nil, false), 0)},
			Locks:  []frameinfo.Lock{{Slot: 0}},
		}},
	})
	expectFatal(t, "does not hold an object", func() {
		e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
	})
}

func TestStageFatalOnBadMetadata(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		e := newEnv(t, AMD64)
		expectFatal(t, "no frame info", func() {
			e.d.Stage(&SourceFrame{PC: 0xdead}, Lazy)
		})
	})
	t.Run("out of bounds", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.singleFrame(t, 0x100, 8, constValue("l", frameinfo.ForLong(1), 4))
		expectFatal(t, "outside frame", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("overlap", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.singleFrame(t, 0x100, 16,
			constValue("a", frameinfo.ForLong(1), 0),
			constValue("b", frameinfo.ForInt(2), 4))
		expectFatal(t, "overlaps", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("register out of range", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.singleFrame(t, 0x100, 8, frameinfo.Value{Name: "r", Kind: frameinfo.KindInt, Location: frameinfo.InRegister, Index: 3})
		expectFatal(t, "register 3", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("lock slot out of range", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.d.c.Metadata = pointMetadata{0x100: {PC: 0x100, Frames: []frameinfo.Frame{{
			Method: "A>>locked",
			Size:   8,
			Values: []frameinfo.Value{constValue("a", frameinfo.ForInt(1), 0)},
			Locks:  []frameinfo.Lock{{Slot: 3}},
		}}}}
		expectFatal(t, "invalid frame info", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("negative size", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.d.c.Metadata = pointMetadata{0x100: {PC: 0x100, Frames: []frameinfo.Frame{{Method: "A>>shrunk", Size: -8}}}}
		expectFatal(t, "invalid frame info", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("no frames", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.d.c.Metadata = pointMetadata{0x100: {PC: 0x100}}
		expectFatal(t, "invalid frame info", func() {
			e.d.Stage(&SourceFrame{PC: 0x100}, Lazy)
		})
	})
	t.Run("void", func(t *testing.T) {
		e := newEnv(t, AMD64)
		e.singleFrame(t, 0x100, 8, frameinfo.Value{Name: "v", Kind: frameinfo.KindVoid, Location: frameinfo.InStack, Index: 0})
		expectFatal(t, "unexpected constant kind", func() {
			e.d.Stage(&SourceFrame{PC: 0x100, Stack: []Word{{}}}, Lazy)
		})
	})
}

func TestStageReservesReferenceSlots(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Lazy)

	slots := r.Buffer().region.Slots()
	if len(slots) != 2 || slots[0] != 24 || slots[1] != 48 {
		t.Fatalf("reserved slots %v before commit, want [24 48]", slots)
	}
	for _, off := range slots {
		if r.Buffer().Written(off) {
			t.Errorf("slot %d written during staging", off)
		}
	}

	r.Commit(newSP)
	if got := r.Buffer().region.Slots(); len(got) != 2 {
		t.Errorf("commit changed reserved slots to %v", got)
	}
	r.Relock()
	defer s.monitors.Exit(s.self)
	if err := s.d.Install(r, &captureInstaller{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestStageInsideCriticalSection(t *testing.T) {
	s := newScenario(t, AMD64)
	sec := critical.Enter("test", nil)
	defer sec.Exit()

	defer func() {
		if _, ok := recover().(*critical.Violation); !ok {
			t.Error("Stage inside a critical section should panic with a Violation")
		}
	}()
	s.d.Stage(s.src, Lazy)
}

func TestInstallFailure(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Eager)
	r.Pin()
	r.Commit(newSP)
	r.Relock()
	defer s.monitors.Exit(s.self)

	boom := errors.New("stack overflow")
	err := s.d.Install(r, &captureInstaller{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("Install error = %v, want %v", err, boom)
	}
	if r.State() != StateRelocked || !r.Pinned() {
		t.Errorf("failed install changed the record: %v pinned=%v", r.State(), r.Pinned())
	}

	// A retry with a working installer succeeds.
	if err := s.d.Install(r, &captureInstaller{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := s.d.Stats(); st.Installed != 1 || st.Staged != 1 || st.Committed != 1 || st.BytesOutput != 72 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestInstallRequiresRelock(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Lazy)
	r.Commit(newSP)
	expectAssertion(t, "install of", func() {
		s.d.Install(r, &captureInstaller{})
	})
}

func TestSourceFrameSizes(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Lazy)

	if r.SourceEncodedFrameSize() != 80 || r.SourceTotalFrameSize() != 88 {
		t.Errorf("sizes = %d/%d, want 80/88", r.SourceEncodedFrameSize(), r.SourceTotalFrameSize())
	}
	// 88 bytes of optimized frame become 72 bytes of baseline frames.
	if got := r.InPlaceSP(0x1000); got != 0x1000+16 {
		t.Errorf("InPlaceSP = %#x, want %#x", got, 0x1000+16)
	}
	if r.SourcePC() != scenarioPC {
		t.Errorf("SourcePC = %#x", r.SourcePC())
	}
}

func TestSourceInstalledCodeAfterInvalidation(t *testing.T) {
	s := newScenario(t, AMD64)
	r := s.d.Stage(s.src, Lazy)

	if r.SourceInstalledCode() != s.code {
		t.Fatal("SourceInstalledCode should resolve while the code is valid")
	}
	if err := s.registry.Invalidate(s.code.ID(), "class hierarchy changed"); err != nil {
		t.Fatal(err)
	}
	if r.SourceInstalledCode() != nil {
		t.Error("SourceInstalledCode should be nil after invalidation")
	}
}

func TestProfilerInvalidatesRepeatedDeopts(t *testing.T) {
	s := newScenario(t, AMD64)
	s.profiler.InvalidateThreshold = 3

	for i := 0; i < 3; i++ {
		if _, err := s.d.Deoptimize(s.src, Eager, newSP, &captureInstaller{}); err != nil {
			t.Fatalf("deopt %d: %v", i, err)
		}
		s.monitors.Exit(s.self)
	}

	if s.code.IsValid() {
		t.Error("code should be invalidated after 3 deoptimizations")
	}
	if p := s.profiler.Profile(s.code.ID()); p == nil || p.Count != 3 || !p.Invalidated.Load() {
		t.Errorf("profile = %+v", p)
	}
}

func TestJournalRecordsInstall(t *testing.T) {
	s := newScenario(t, AMD64)
	store, err := trace.Open(":memory:")
	if err != nil {
		t.Fatalf("trace.Open: %v", err)
	}
	defer store.Close()
	s.d.c.Journal = store

	r, err := s.d.Deoptimize(s.src, Eager, newSP, &captureInstaller{})
	if err != nil {
		t.Fatalf("Deoptimize: %v", err)
	}
	s.monitors.Exit(s.self)

	ev, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ev.Mode != "eager" || ev.Code != "Outer>>run" || ev.BufferSize != 72 || ev.Relocks != 1 {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Frames) != 2 || ev.Frames[0].Method != "Inner>>step" || ev.Frames[0].Slots != 3 {
		t.Errorf("frames = %+v", ev.Frames)
	}
}
