// Package manifest handles deopt.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/deoptkit/codecache"
	"github.com/chazu/deoptkit/deopt"
	"github.com/chazu/deoptkit/heap"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "deopt.toml"

// Manifest represents a deopt.toml configuration.
type Manifest struct {
	Target   TargetConfig   `toml:"target"`
	Heap     HeapConfig     `toml:"heap"`
	Profiler ProfilerConfig `toml:"profiler"`
	Log      LogConfig      `toml:"log"`
	Trace    TraceConfig    `toml:"trace"`

	// Dir is the directory containing the deopt.toml file (set at load time).
	Dir string `toml:"-"`
}

// TargetConfig selects the machine frames are laid out for.
type TargetConfig struct {
	Arch                 string `toml:"arch"`
	CompressedReferences bool   `toml:"compressed-references"`
}

// HeapConfig configures the heap address space and the collector.
type HeapConfig struct {
	Base              uint64        `toml:"base"`
	CompressionShift  uint          `toml:"compression-shift"`
	CollectorInterval time.Duration `toml:"collector-interval"`
}

// ProfilerConfig configures the deoptimization profiler.
type ProfilerConfig struct {
	InvalidateThreshold uint64 `toml:"invalidate-threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// TraceConfig configures the deoptimization journal.
type TraceConfig struct {
	Database string `toml:"database"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Manifest {
	hc := heap.DefaultConfig()
	return &Manifest{
		Target: TargetConfig{Arch: deopt.AMD64.Name, CompressedReferences: true},
		Heap: HeapConfig{
			Base:              hc.Base,
			CompressionShift:  hc.CompressionShift,
			CollectorInterval: heap.DefaultCollectorInterval,
		},
		Profiler: ProfilerConfig{InvalidateThreshold: codecache.DefaultInvalidateThreshold},
		Log:      LogConfig{Verbosity: 1},
	}
}

// Load parses a deopt.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a deopt.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks values that toml decoding cannot.
func (m *Manifest) Validate() error {
	if _, err := deopt.TargetByName(m.Target.Arch); err != nil {
		return err
	}
	if m.Heap.CompressionShift > 16 {
		return fmt.Errorf("compression-shift %d out of range", m.Heap.CompressionShift)
	}
	if m.Heap.Base == 0 {
		return fmt.Errorf("heap base must not be zero")
	}
	if m.Heap.CollectorInterval < 0 {
		return fmt.Errorf("negative collector-interval %s", m.Heap.CollectorInterval)
	}
	return nil
}

// DeoptTarget returns the configured target preset.
func (m *Manifest) DeoptTarget() (deopt.Target, error) {
	return deopt.TargetByName(m.Target.Arch)
}

// HeapSettings returns the heap address space configuration.
func (m *Manifest) HeapSettings() heap.Config {
	return heap.Config{Base: m.Heap.Base, CompressionShift: m.Heap.CompressionShift}
}

// LogPath returns the log file for commonlog.Configure, or nil for stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	path := m.resolve(m.Log.File)
	return &path
}

// DatabasePath returns the journal database path, or "" when journaling
// is disabled.
func (m *Manifest) DatabasePath() string {
	if m.Trace.Database == "" || m.Trace.Database == ":memory:" {
		return m.Trace.Database
	}
	return m.resolve(m.Trace.Database)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
