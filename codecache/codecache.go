// Package codecache is the installed-code registry: it hands out
// identities for optimized code, tracks invalidation, and gives
// non-owning handles that stop resolving once code is invalidated.
package codecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("deopt.codecache")

// ErrUnknownCode is returned for identities the registry never issued or
// has already dropped.
var ErrUnknownCode = errors.New("unknown installed code")

// ID identifies installed code. IDs are never reused.
type ID uint64

// Code is one piece of installed optimized code.
type Code struct {
	id     ID
	name   string
	entry  uint64
	size   uint64
	valid  atomic.Bool
	reason atomic.Value // string
}

// ID returns the code identity.
func (c *Code) ID() ID { return c.id }

// Name returns the compiled method's name, e.g. "Point>>distanceTo:".
func (c *Code) Name() string { return c.name }

// Entry returns the code's entry address.
func (c *Code) Entry() uint64 { return c.entry }

// Contains reports whether pc lies inside the code.
func (c *Code) Contains(pc uint64) bool {
	return pc >= c.entry && pc < c.entry+c.size
}

// IsValid reports whether the code may still be executed.
func (c *Code) IsValid() bool { return c.valid.Load() }

// InvalidationReason returns why the code was invalidated, or "".
func (c *Code) InvalidationReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (c *Code) String() string {
	return fmt.Sprintf("%s@%#x", c.name, c.entry)
}

// Registry tracks every piece of installed code.
type Registry struct {
	mu    sync.RWMutex
	codes map[ID]*Code
	next  ID

	installed   atomic.Uint64
	invalidated atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		codes: make(map[ID]*Code),
		next:  1,
	}
}

// Install registers new code covering [entry, entry+size).
func (r *Registry) Install(name string, entry, size uint64) *Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Code{id: r.next, name: name, entry: entry, size: size}
	c.valid.Store(true)
	r.codes[c.id] = c
	r.next++
	r.installed.Add(1)

	log.Debugf("installed %v as %d", c, c.id)
	return c
}

// Lookup resolves id to code that is still valid. Invalidated code
// reports false even though its Code value may still be referenced.
func (r *Registry) Lookup(id ID) (*Code, bool) {
	r.mu.RLock()
	c := r.codes[id]
	r.mu.RUnlock()

	if c == nil || !c.IsValid() {
		return nil, false
	}
	return c, true
}

// FindByPC returns the valid code containing pc.
func (r *Registry) FindByPC(pc uint64) (*Code, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.codes {
		if c.IsValid() && c.Contains(pc) {
			return c, true
		}
	}
	return nil, false
}

// Invalidate marks the code as no longer executable and drops the
// registry's reference so handles stop resolving once nothing else holds
// the code.
func (r *Registry) Invalidate(id ID, reason string) error {
	r.mu.Lock()
	c := r.codes[id]
	delete(r.codes, id)
	r.mu.Unlock()

	if c == nil {
		return fmt.Errorf("invalidate %d: %w", id, ErrUnknownCode)
	}
	c.reason.Store(reason)
	c.valid.Store(false)
	r.invalidated.Add(1)

	log.Infof("invalidated %v: %s", c, reason)
	return nil
}

// RegistryStats holds registry counters.
type RegistryStats struct {
	Live        int
	Installed   uint64
	Invalidated uint64
}

// Stats returns registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	live := len(r.codes)
	r.mu.RUnlock()

	return RegistryStats{
		Live:        live,
		Installed:   r.installed.Load(),
		Invalidated: r.invalidated.Load(),
	}
}

// ---------------------------------------------------------------------------
// Handle: non-owning reference to installed code
// ---------------------------------------------------------------------------

// Handle refers to installed code without keeping it alive. Get returns
// nil once the code has been invalidated or collected.
type Handle struct {
	id  ID
	ptr weak.Pointer[Code]
}

// NewHandle creates a handle for c. A nil c yields a handle that never
// resolves.
func NewHandle(c *Code) Handle {
	if c == nil {
		return Handle{}
	}
	return Handle{id: c.id, ptr: weak.Make(c)}
}

// ID returns the identity the handle was created for.
func (h Handle) ID() ID { return h.id }

// Get returns the code if it is still reachable and valid.
func (h Handle) Get() *Code {
	c := h.ptr.Value()
	if c == nil || !c.IsValid() {
		return nil
	}
	return c
}
