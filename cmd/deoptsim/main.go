// deoptsim runs deoptimization scenarios against a simulated heap with a
// running relocating collector and reports the rebuilt frames.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/deopt"
	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
	"github.com/chazu/deoptkit/manifest"
	"github.com/chazu/deoptkit/monitor"
	"github.com/chazu/deoptkit/trace"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search upwards for deopt.toml")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides deopt.toml)")
	dump := flag.Bool("dump", false, "Hex dump every installed frame buffer")
	journal := flag.Bool("journal", false, "List the journal after running")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: deoptsim [options] scenario.toml...\n\n")
		fmt.Fprintf(os.Stderr, "Deoptimizes the frames described by each scenario while the collector runs.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}
	if *verbosity >= 0 {
		m.Log.Verbosity = *verbosity
	}
	commonlog.Configure(m.Log.Verbosity, m.LogPath())

	sim, err := newSimulator(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sim.dump = *dump

	for _, path := range flag.Args() {
		s, err := LoadScenario(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := sim.Run(os.Stdout, s); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	sim.Report(os.Stdout)
	if *journal {
		if err := sim.ListJournal(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := sim.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// simulator wires the runtime services together.
type simulator struct {
	target     deopt.Target
	compressed bool

	heap      *heap.Heap
	collector *heap.Collector
	registry  *codecache.Registry
	profiler  *codecache.DeoptProfiler
	monitors  *monitor.Manager
	table     *frameinfo.Table
	store     *trace.Store
	d         *deopt.Deoptimizer

	stack *stackInstaller
	dump  bool
	out   io.Writer
}

func newSimulator(m *manifest.Manifest) (*simulator, error) {
	target, err := m.DeoptTarget()
	if err != nil {
		return nil, err
	}

	s := &simulator{
		target:     target,
		compressed: m.Target.CompressedReferences,
		heap:       heap.New(m.HeapSettings()),
		registry:   codecache.NewRegistry(),
		monitors:   monitor.NewManager(),
		table:      frameinfo.NewTable(),
		stack:      newStackInstaller(),
		out:        os.Stdout,
	}
	s.profiler = codecache.NewDeoptProfiler(s.registry)
	s.profiler.InvalidateThreshold = m.Profiler.InvalidateThreshold
	s.profiler.OnInvalidate = func(c *codecache.Code, p *codecache.DeoptProfile) {
		fmt.Fprintf(s.out, "invalidated %v after %d deoptimizations\n", c, atomic.LoadUint64(&p.Count))
	}

	c := deopt.Collaborators{
		Heap:     s.heap,
		Metadata: s.table,
		Handlers: s.table,
		Monitors: s.monitors,
		Registry: s.registry,
		Profiler: s.profiler,
	}
	if path := m.DatabasePath(); path != "" {
		s.store, err = trace.Open(path)
		if err != nil {
			return nil, err
		}
		c.Journal = s.store
	}
	s.d = deopt.NewDeoptimizer(target, c)

	s.collector = heap.NewCollector(s.heap, m.Heap.CollectorInterval)
	s.collector.Start()
	return s, nil
}

// Close stops the collector and closes the journal.
func (s *simulator) Close() error {
	s.collector.Stop()
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close journal %s: %w", s.store.Path(), err)
	}
	return nil
}

// Run deoptimizes every frame of sc.
func (s *simulator) Run(w io.Writer, sc *Scenario) error {
	s.out = w
	world, err := sc.Build(s.heap, s.registry, s.table, s.compressed)
	if err != nil {
		return err
	}

	for i, src := range world.Frames {
		r, err := s.d.Deoptimize(src, world.Modes[i], world.SPs[i], s.stack)
		if err != nil {
			return err
		}
		// The simulated thread returns from the rebuilt frames at once.
		for _, rl := range r.RelockRecords() {
			s.monitors.Exit(rl.Object)
		}

		fmt.Fprintf(w, "%s %s pc=%#x -> %d frames, %s\n",
			r.ID, r.Mode(), r.SourcePC(), len(r.Frames()), humanize.Bytes(uint64(r.Buffer().Size())))
		for _, f := range r.Frames() {
			base, size := f.Region()
			fmt.Fprintf(w, "  %-24s resume=%#x [%d+%d]\n", f.Info(), f.ReturnAddress().PC(), base, size)
		}
		if r.Redirected() {
			fmt.Fprintf(w, "  redirected to exception handler\n")
		}
		if s.dump {
			fmt.Fprint(w, hex.Dump(s.stack.At(r.NewSP())))
		}
	}
	return nil
}

// Report prints aggregate counters.
func (s *simulator) Report(w io.Writer) {
	ds := s.d.Stats()
	cs := s.collector.LastStats()
	if cs == nil {
		cs = &heap.CollectorStats{}
	}
	ps := s.profiler.Stats()
	rs := s.registry.Stats()

	fmt.Fprintf(w, "\ndeoptimizations: %s installed (%s redirected), %s of frames written\n",
		humanize.Comma(int64(ds.Installed)), humanize.Comma(int64(ds.Redirected)), humanize.Bytes(ds.BytesOutput))
	fmt.Fprintf(w, "collector:       %s cycles, last moved %d objects and fixed %d raw slots\n",
		humanize.Comma(int64(s.collector.Cycles())), cs.Moved, cs.RawSlotsFixed)
	fmt.Fprintf(w, "code:            %d live, %d invalidated (%d by profiler)\n",
		rs.Live, rs.Invalidated, ps.Invalidated)
	fmt.Fprintf(w, "heap:            %s live objects\n", humanize.Comma(int64(s.heap.Live())))
}

// ListJournal prints the journaled events.
func (s *simulator) ListJournal(w io.Writer) error {
	if s.store == nil {
		return fmt.Errorf("no journal configured (set [trace] database in deopt.toml)")
	}
	events, err := s.store.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\njournal %s (%d events):\n", s.store.Path(), len(events))
	for _, e := range events {
		fmt.Fprintf(w, "  %s %s\n", humanize.Time(e.Timestamp()), e)
	}
	return nil
}

// stackInstaller is a simulated thread stack: content installed at an sp
// is kept so it can be inspected afterwards.
type stackInstaller struct {
	frames map[uint64][]byte
}

func newStackInstaller() *stackInstaller {
	return &stackInstaller{frames: make(map[uint64][]byte)}
}

func (si *stackInstaller) Install(content []byte, newSP uint64) error {
	if newSP == 0 {
		return fmt.Errorf("no stack pointer")
	}
	si.frames[newSP] = content
	return nil
}

// At returns the content last installed at sp.
func (si *stackInstaller) At(sp uint64) []byte {
	return si.frames[sp]
}
