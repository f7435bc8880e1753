package heap

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: periodic relocating compaction
// ---------------------------------------------------------------------------

// CollectorStats holds statistics from a single collection.
type CollectorStats struct {
	Moved         int
	Pinned        int
	RawSlotsFixed int
	Live          int
	Duration      time.Duration
	Timestamp     time.Time
}

// Collector periodically relocates every unpinned object. It exists to
// exercise the pinning and raw-region contracts: anything that caches a
// raw address without one of them breaks as soon as the collector runs.
type Collector struct {
	heap     *Heap
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	cycles    atomic.Uint64
	lastStats atomic.Value // *CollectorStats
}

// DefaultCollectorInterval is the default time between collections.
const DefaultCollectorInterval = 50 * time.Millisecond

// NewCollector creates a collector for h. A non-positive interval selects
// DefaultCollectorInterval.
func NewCollector(h *Heap, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectorInterval
	}
	c := &Collector{
		heap:     h,
		interval: interval,
	}
	c.enabled.Store(true)
	return c
}

// Start begins the background loop. Calling Start on a running collector
// does nothing.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	stopCh := c.stop
	stoppedCh := c.stopped
	go c.loop(stopCh, stoppedCh)
}

// Stop halts the background loop and waits for it to finish. Safe to call
// on a collector that was never started.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled turns collection on or off without stopping the loop.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Cycles returns the number of completed collections.
func (c *Collector) Cycles() uint64 {
	return c.cycles.Load()
}

// LastStats returns the statistics of the most recent collection, or nil.
func (c *Collector) LastStats() *CollectorStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CollectorStats)
}

// CollectNow runs one collection on the calling goroutine.
func (c *Collector) CollectNow() *CollectorStats {
	return c.collect()
}

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.enabled.Load() {
				c.collect()
			}
		}
	}
}

func (c *Collector) collect() *CollectorStats {
	h := c.heap
	start := time.Now()
	stats := &CollectorStats{Timestamp: start}

	resume := h.stopTheWorld()
	h.mu.Lock()

	// Move in address order so the result does not depend on map order.
	objs := make([]*Object, 0, len(h.addrs))
	for o := range h.addrs {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return h.addrs[objs[i]] < h.addrs[objs[j]] })

	for _, o := range objs {
		moved, fixed := h.relocateLocked(o)
		if moved {
			stats.Moved++
			stats.RawSlotsFixed += fixed
		} else {
			stats.Pinned++
		}
	}
	stats.Live = len(h.addrs)

	h.mu.Unlock()
	resume()

	stats.Duration = time.Since(start)
	c.cycles.Add(1)
	c.lastStats.Store(stats)

	log.Debugf("collection %d: moved %d, pinned %d, fixed %d raw slots in %s",
		c.cycles.Load(), stats.Moved, stats.Pinned, stats.RawSlotsFixed, stats.Duration)
	return stats
}
