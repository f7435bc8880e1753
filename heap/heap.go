// Package heap models the managed heap the deoptimizer writes into.
//
// Objects have a stable Go identity (*Object) and a machine address that
// changes whenever the collector relocates them. Code that only holds
// *Object values is always safe. Code that turns an object into raw
// address bits must either pin the object, hold off safepoints (see
// package critical), or store the bits through a RawRegion so the
// collector can update them.
package heap

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/deoptkit/critical"
)

var log = commonlog.GetLogger("deopt.heap")

// Config describes the address space layout.
type Config struct {
	// Base is the lowest heap address. Compressed references are
	// offsets from Base.
	Base uint64

	// CompressionShift is the number of alignment bits dropped when a
	// reference is compressed to 32 bits.
	CompressionShift uint
}

// DefaultConfig places the heap at 4GiB with 8-byte compression alignment.
func DefaultConfig() Config {
	return Config{Base: 1 << 32, CompressionShift: 3}
}

// Object is a heap-allocated object. Its identity is the pointer; its
// address is owned by the heap.
type Object struct {
	id    uint64
	class string
	size  int
}

// ID returns the allocation sequence number of the object.
func (o *Object) ID() uint64 { return o.id }

// Class returns the class name the object was allocated with.
func (o *Object) Class() string { return o.class }

// Size returns the allocated size in bytes.
func (o *Object) Size() int { return o.size }

func (o *Object) String() string {
	return fmt.Sprintf("%s#%d", o.class, o.id)
}

// Heap is a bump-allocated, relocating heap.
type Heap struct {
	cfg   Config
	align uint64

	// safepoint is read-held by uninterruptible sections and
	// write-held by stop-the-world operations.
	safepoint sync.RWMutex

	mu      sync.Mutex
	addrs   map[*Object]uint64
	objects map[uint64]*Object
	pins    map[*Object]int
	regions map[*RawRegion]struct{}
	top     uint64
	nextID  uint64
}

// New creates an empty heap.
func New(cfg Config) *Heap {
	align := uint64(1) << cfg.CompressionShift
	if align < 8 {
		align = 8
	}
	return &Heap{
		cfg:     cfg,
		align:   align,
		addrs:   make(map[*Object]uint64),
		objects: make(map[uint64]*Object),
		pins:    make(map[*Object]int),
		regions: make(map[*RawRegion]struct{}),
		top:     cfg.Base,
		nextID:  1,
	}
}

// Config returns the heap's address space configuration.
func (h *Heap) Config() Config {
	return h.cfg
}

// Allocate creates a new object. It may reach a safepoint and therefore
// must not be called inside a critical section.
func (h *Heap) Allocate(class string, size int) *Object {
	critical.AssertInterruptible("heap allocate")

	h.mu.Lock()
	defer h.mu.Unlock()

	o := &Object{id: h.nextID, class: class, size: size}
	h.nextID++
	h.place(o)
	return o
}

// place assigns o the next free address. Caller holds h.mu.
func (h *Heap) place(o *Object) uint64 {
	addr := h.top
	n := uint64(o.size)
	if n == 0 {
		n = 1
	}
	h.top += (n + h.align - 1) &^ (h.align - 1)
	h.addrs[o] = addr
	h.objects[addr] = o
	return addr
}

// Free removes o from the heap. Pinned objects cannot be freed.
func (h *Heap) Free(o *Object) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pins[o] > 0 {
		panic(fmt.Sprintf("heap: free of pinned object %v", o))
	}
	if addr, ok := h.addrs[o]; ok {
		delete(h.objects, addr)
		delete(h.addrs, o)
	}
}

// Contains reports whether o is live in this heap.
func (h *Heap) Contains(o *Object) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.addrs[o]
	return ok
}

// AddressOf returns the current address of o. The result is only stable
// while o is pinned or safepoints are blocked.
func (h *Heap) AddressOf(o *Object) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, ok := h.addrs[o]
	if !ok {
		panic(fmt.Sprintf("heap: %v is not a live object", o))
	}
	return addr
}

// ObjectAt returns the object currently at addr, or nil.
func (h *Heap) ObjectAt(addr uint64) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.objects[addr]
}

// Compress encodes a heap address as a 32-bit compressed reference.
func (h *Heap) Compress(addr uint64) uint32 {
	if addr == 0 {
		return 0
	}
	if addr < h.cfg.Base {
		panic(fmt.Sprintf("heap: address %#x below heap base %#x", addr, h.cfg.Base))
	}
	off := (addr - h.cfg.Base) >> h.cfg.CompressionShift
	if off > 0xFFFFFFFF {
		panic(fmt.Sprintf("heap: address %#x out of compressed range", addr))
	}
	// Offset 0 is the base object; bias by one so 0 stays null.
	return uint32(off) + 1
}

// Decompress is the inverse of Compress.
func (h *Heap) Decompress(ref uint32) uint64 {
	if ref == 0 {
		return 0
	}
	return h.cfg.Base + (uint64(ref-1) << h.cfg.CompressionShift)
}

// BlockSafepoints implements critical.Safepoints.
func (h *Heap) BlockSafepoints() func() {
	h.safepoint.RLock()
	return h.safepoint.RUnlock
}

// stopTheWorld waits for every critical section to exit and blocks new
// ones until the returned function runs.
func (h *Heap) stopTheWorld() func() {
	critical.AssertInterruptible("stop the world")
	h.safepoint.Lock()
	return h.safepoint.Unlock
}

// Relocate moves o to a fresh address unless it is pinned. Raw references
// to o stored through a RawRegion are updated. Returns true if o moved.
func (h *Heap) Relocate(o *Object) bool {
	resume := h.stopTheWorld()
	defer resume()

	h.mu.Lock()
	defer h.mu.Unlock()
	moved, _ := h.relocateLocked(o)
	return moved
}

// relocateLocked moves o and fixes raw slots. Caller holds the world
// stopped and h.mu.
func (h *Heap) relocateLocked(o *Object) (bool, int) {
	old, ok := h.addrs[o]
	if !ok || h.pins[o] > 0 {
		return false, 0
	}
	delete(h.objects, old)
	addr := h.place(o)

	fixed := 0
	for r := range h.regions {
		fixed += r.retarget(old, addr)
	}
	log.Debugf("relocated %v %#x -> %#x (%d raw slots)", o, old, addr, fixed)
	return true, fixed
}

// Live returns the number of live objects.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.addrs)
}
