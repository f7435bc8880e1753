package codecache

import (
	"sync"
	"sync/atomic"
)

// DeoptProfiler counts deoptimizations per installed code. Code that keeps
// deoptimizing is invalidated so the next invocation runs baseline code
// instead of looping through speculation and deoptimization.

// DeoptProfile holds counters for one piece of code.
type DeoptProfile struct {
	Count       uint64      // Atomic counter of deoptimizations
	Invalidated atomic.Bool // Set once the threshold triggered invalidation
}

// DeoptProfiler tracks deoptimizations across the registry.
type DeoptProfiler struct {
	registry *Registry
	profiles sync.Map // ID -> *DeoptProfile

	// InvalidateThreshold is the number of deoptimizations after which
	// code is invalidated. Zero disables invalidation.
	InvalidateThreshold uint64

	// OnInvalidate is called after the profiler invalidated code.
	OnInvalidate func(c *Code, profile *DeoptProfile)

	total       uint64
	invalidated uint64
}

// DefaultInvalidateThreshold is the default deoptimization count limit.
const DefaultInvalidateThreshold = 8

// NewDeoptProfiler creates a profiler that invalidates code in r.
func NewDeoptProfiler(r *Registry) *DeoptProfiler {
	return &DeoptProfiler{
		registry:            r,
		InvalidateThreshold: DefaultInvalidateThreshold,
	}
}

// RecordDeopt counts one deoptimization of c. Returns true if this
// deoptimization caused c to be invalidated.
func (p *DeoptProfiler) RecordDeopt(c *Code) bool {
	if c == nil {
		return false
	}
	atomic.AddUint64(&p.total, 1)

	val, _ := p.profiles.LoadOrStore(c.id, &DeoptProfile{})
	profile := val.(*DeoptProfile)
	count := atomic.AddUint64(&profile.Count, 1)

	if p.InvalidateThreshold == 0 || count < p.InvalidateThreshold {
		return false
	}
	if !profile.Invalidated.CompareAndSwap(false, true) {
		return false
	}

	if err := p.registry.Invalidate(c.id, "too many deoptimizations"); err != nil {
		// Already invalidated by someone else.
		return false
	}
	atomic.AddUint64(&p.invalidated, 1)
	if p.OnInvalidate != nil {
		p.OnInvalidate(c, profile)
	}
	return true
}

// Profile returns the counters for id, or nil if it never deoptimized.
func (p *DeoptProfiler) Profile(id ID) *DeoptProfile {
	if val, ok := p.profiles.Load(id); ok {
		return val.(*DeoptProfile)
	}
	return nil
}

// DeoptStats holds aggregate profiler counters.
type DeoptStats struct {
	TotalDeopts int64
	Codes       int
	Invalidated int64
}

// Stats returns aggregate counters.
func (p *DeoptProfiler) Stats() DeoptStats {
	stats := DeoptStats{
		TotalDeopts: int64(atomic.LoadUint64(&p.total)),
		Invalidated: int64(atomic.LoadUint64(&p.invalidated)),
	}
	p.profiles.Range(func(_, _ any) bool {
		stats.Codes++
		return true
	})
	return stats
}

// Reset clears all profiles.
func (p *DeoptProfiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
	atomic.StoreUint64(&p.total, 0)
	atomic.StoreUint64(&p.invalidated, 0)
}
