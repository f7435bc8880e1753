package main

import (
	"fmt"
	"math"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/deopt"
	"github.com/chazu/deoptkit/frameinfo"
	"github.com/chazu/deoptkit/heap"
)

// Scenario is a TOML description of optimized code, its deoptimization
// metadata and the frames to deoptimize.
type Scenario struct {
	Objects  []ObjectSpec  `toml:"object"`
	Codes    []CodeSpec    `toml:"code"`
	Handlers []HandlerSpec `toml:"handler"`
	Points   []PointSpec   `toml:"point"`
	Deopts   []DeoptSpec   `toml:"deopt"`
}

type ObjectSpec struct {
	Name  string `toml:"name"`
	Class string `toml:"class"`
	Size  int    `toml:"size"`
}

type CodeSpec struct {
	Name  string `toml:"name"`
	Entry uint64 `toml:"entry"`
	Size  uint64 `toml:"size"`
}

type HandlerSpec struct {
	PC     uint64 `toml:"pc"`
	Target uint64 `toml:"target"`
}

type PointSpec struct {
	PC               uint64      `toml:"pc"`
	EncodedFrameSize int64       `toml:"encoded-frame-size"`
	Rethrow          bool        `toml:"rethrow"`
	Frames           []FrameSpec `toml:"frame"` // outermost first
}

type FrameSpec struct {
	Method   string      `toml:"method"`
	BCI      int         `toml:"bci"`
	ResumePC uint64      `toml:"resume-pc"`
	Size     int         `toml:"size"`
	Locks    []int       `toml:"locks"`
	Values   []ValueSpec `toml:"value"`
}

type ValueSpec struct {
	Name       string   `toml:"name"`
	Kind       string   `toml:"kind"`
	Location   string   `toml:"location"` // constant, register, stack
	Index      int      `toml:"index"`
	Offset     int      `toml:"offset"`
	Compressed *bool    `toml:"compressed"`
	Bits       int64    `toml:"bits"`
	Float      *float64 `toml:"float"`
	Object     string   `toml:"object"`
}

type WordSpec struct {
	Bits   int64    `toml:"bits"`
	Float  *float64 `toml:"float"`
	Object string   `toml:"object"`
}

type DeoptSpec struct {
	PC        uint64     `toml:"pc"`
	Code      string     `toml:"code"`
	Mode      string     `toml:"mode"`
	SP        uint64     `toml:"sp"`
	Exception bool       `toml:"exception"`
	Repeat    int        `toml:"repeat"`
	Registers []WordSpec `toml:"registers"`
	Stack     []WordSpec `toml:"stack"`
}

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var s Scenario
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if len(s.Deopts) == 0 {
		return nil, fmt.Errorf("%s: no [[deopt]] entries", path)
	}
	return &s, nil
}

// World is a scenario materialized in a heap, a code registry and a
// metadata table.
type World struct {
	Objects map[string]*heap.Object
	Codes   map[string]*codecache.Code
	Frames  []*deopt.SourceFrame
	Modes   []deopt.Mode
	SPs     []uint64
}

// Build allocates the scenario's objects and code and registers its
// metadata. compressed is the default for object slots that do not say.
func (s *Scenario) Build(h *heap.Heap, reg *codecache.Registry, tbl *frameinfo.Table, compressed bool) (*World, error) {
	w := &World{
		Objects: make(map[string]*heap.Object),
		Codes:   make(map[string]*codecache.Code),
	}
	for _, o := range s.Objects {
		if _, dup := w.Objects[o.Name]; dup {
			return nil, fmt.Errorf("object %q defined twice", o.Name)
		}
		w.Objects[o.Name] = h.Allocate(o.Class, o.Size)
	}
	for _, c := range s.Codes {
		w.Codes[c.Name] = reg.Install(c.Name, c.Entry, c.Size)
	}
	for _, hs := range s.Handlers {
		tbl.RegisterHandler(hs.PC, hs.Target)
	}

	points := make(map[uint64]*frameinfo.PointInfo, len(s.Points))
	for _, ps := range s.Points {
		p := &frameinfo.PointInfo{
			PC:               ps.PC,
			EncodedFrameSize: ps.EncodedFrameSize,
			Rethrow:          ps.Rethrow,
		}
		for _, fs := range ps.Frames {
			f := frameinfo.Frame{Method: fs.Method, BCI: fs.BCI, ResumePC: fs.ResumePC, Size: fs.Size}
			for _, vs := range fs.Values {
				v, err := w.value(vs, compressed)
				if err != nil {
					return nil, fmt.Errorf("point %#x frame %s: %w", ps.PC, fs.Method, err)
				}
				f.Values = append(f.Values, v)
			}
			for _, slot := range fs.Locks {
				f.Locks = append(f.Locks, frameinfo.Lock{Slot: slot})
			}
			p.Frames = append(p.Frames, f)
		}
		if err := tbl.Register(p); err != nil {
			return nil, err
		}
		points[p.PC] = p
	}

	for _, ds := range s.Deopts {
		src := &deopt.SourceFrame{PC: ds.PC, SP: ds.SP, ExceptionUnwind: ds.Exception}
		if ds.Code != "" {
			c, ok := w.Codes[ds.Code]
			if !ok {
				return nil, fmt.Errorf("deopt at %#x: unknown code %q", ds.PC, ds.Code)
			}
			src.Code = c
		}
		p := points[ds.PC]
		var err error
		if src.Registers, err = w.words(ds.Registers, wordKinds(p, frameinfo.InRegister)); err != nil {
			return nil, err
		}
		if src.Stack, err = w.words(ds.Stack, wordKinds(p, frameinfo.InStack)); err != nil {
			return nil, err
		}

		mode := deopt.Lazy
		switch ds.Mode {
		case "eager":
			mode = deopt.Eager
		case "", "lazy":
		default:
			return nil, fmt.Errorf("deopt at %#x: unknown mode %q", ds.PC, ds.Mode)
		}

		repeat := max(ds.Repeat, 1)
		for range repeat {
			w.Frames = append(w.Frames, src)
			w.Modes = append(w.Modes, mode)
			w.SPs = append(w.SPs, ds.SP)
		}
	}
	return w, nil
}

func (w *World) object(name string) (*heap.Object, error) {
	if name == "" || name == "null" {
		return nil, nil
	}
	o, ok := w.Objects[name]
	if !ok {
		return nil, fmt.Errorf("unknown object %q", name)
	}
	return o, nil
}

func (w *World) value(vs ValueSpec, compressedDefault bool) (frameinfo.Value, error) {
	kind, err := frameinfo.ParseKind(vs.Kind)
	if err != nil {
		return frameinfo.Value{}, err
	}
	v := frameinfo.Value{Name: vs.Name, Kind: kind, Index: vs.Index, Offset: vs.Offset, Compressed: compressedDefault}
	if vs.Compressed != nil {
		v.Compressed = *vs.Compressed
	}

	switch vs.Location {
	case "constant", "":
		v.Location = frameinfo.InConstant
		if kind == frameinfo.KindObject {
			o, err := w.object(vs.Object)
			if err != nil {
				return v, err
			}
			v.Constant = frameinfo.ForObject(o, v.Compressed)
		} else {
			v.Constant = frameinfo.FromBits(kind, bitsOf(kind, vs.Bits, vs.Float))
		}
	case "register":
		v.Location = frameinfo.InRegister
	case "stack":
		v.Location = frameinfo.InStack
	default:
		return v, fmt.Errorf("value %q: unknown location %q", vs.Name, vs.Location)
	}
	return v, nil
}

// words materializes register or stack words. A float literal is encoded
// for the kind of the slot that reads the word; words no slot reads are
// encoded as doubles.
func (w *World) words(specs []WordSpec, kinds map[int]frameinfo.Kind) ([]deopt.Word, error) {
	out := make([]deopt.Word, len(specs))
	for i, ws := range specs {
		o, err := w.object(ws.Object)
		if err != nil {
			return nil, err
		}
		kind, ok := kinds[i]
		if !ok {
			kind = frameinfo.KindDouble
		}
		out[i] = deopt.Word{Bits: bitsOf(kind, ws.Bits, ws.Float), Ref: o}
	}
	return out, nil
}

// wordKinds maps each register or stack index read at p to the kind of
// the slot reading it.
func wordKinds(p *frameinfo.PointInfo, loc frameinfo.Location) map[int]frameinfo.Kind {
	kinds := make(map[int]frameinfo.Kind)
	if p == nil {
		return kinds
	}
	for _, f := range p.Frames {
		for _, v := range f.Values {
			if v.Location != loc {
				continue
			}
			if _, seen := kinds[v.Index]; !seen {
				kinds[v.Index] = v.Kind
			}
		}
	}
	return kinds
}

// bitsOf returns the raw bits of a constant written as an integer or a
// float in the scenario.
func bitsOf(kind frameinfo.Kind, bits int64, f *float64) uint64 {
	if f == nil {
		return uint64(bits)
	}
	if kind == frameinfo.KindFloat {
		return uint64(math.Float32bits(float32(*f)))
	}
	return math.Float64bits(*f)
}
