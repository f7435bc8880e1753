package heap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/deoptkit/critical"
)

// RawRegion is unmanaged memory that holds object references as raw
// address bits, such as a frame buffer that will be copied onto a stack.
// Reference slots are registered with Reserve, which may allocate, and
// filled with StoreReference, which does not. The collector rewrites every
// reserved slot that holds a relocated address.
type RawRegion struct {
	heap     *Heap
	buf      []byte
	order    binary.ByteOrder
	wordSize int

	mu    sync.Mutex
	slots map[int]bool // offset -> compressed
}

// NewRawRegion registers buf as a raw region. The region stays visible to
// the collector until ReleaseRawRegion.
func (h *Heap) NewRawRegion(buf []byte, order binary.ByteOrder, wordSize int) *RawRegion {
	if wordSize != 4 && wordSize != 8 {
		panic(fmt.Sprintf("heap: unsupported word size %d", wordSize))
	}
	r := &RawRegion{
		heap:     h,
		buf:      buf,
		order:    order,
		wordSize: wordSize,
		slots:    make(map[int]bool),
	}

	h.mu.Lock()
	h.regions[r] = struct{}{}
	h.mu.Unlock()
	return r
}

// ReleaseRawRegion stops the collector from tracking r.
func (h *Heap) ReleaseRawRegion(r *RawRegion) {
	h.mu.Lock()
	delete(h.regions, r)
	h.mu.Unlock()
}

// RawRegions returns the number of registered raw regions.
func (h *Heap) RawRegions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

// RefSize returns the number of bytes a reference occupies.
func (r *RawRegion) RefSize(compressed bool) int {
	if compressed {
		return 4
	}
	return r.wordSize
}

// Reserve registers offset as a reference slot encoded as compressed.
// It must run before any critical section that stores into the slot.
func (r *RawRegion) Reserve(offset int, compressed bool) {
	critical.AssertInterruptible("raw region reserve")
	if size := r.RefSize(compressed); offset < 0 || offset+size > len(r.buf) {
		panic(fmt.Sprintf("heap: reference slot at %d+%d outside region of %d bytes", offset, size, len(r.buf)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.slots[offset]; ok && c != compressed {
		panic(fmt.Sprintf("heap: reference slot at %d reserved with compressed=%v", offset, c))
	}
	r.slots[offset] = compressed
}

// StoreReference is the raw-memory write barrier: it writes the encoded
// address of o into the reserved slot at offset. A nil object stores null
// bits. It does not allocate and is safe inside a critical section.
func (r *RawRegion) StoreReference(offset int, o *Object, compressed bool) {
	var addr uint64
	if o != nil {
		addr = r.heap.AddressOf(o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.slots[offset]; !ok || c != compressed {
		panic(fmt.Sprintf("heap: reference store at %d into unreserved slot", offset))
	}
	r.put(offset, addr, compressed)
}

// LoadReference decodes the reference at offset.
func (r *RawRegion) LoadReference(offset int, compressed bool) *Object {
	r.mu.Lock()
	addr := r.get(offset, compressed)
	r.mu.Unlock()

	if addr == 0 {
		return nil
	}
	return r.heap.ObjectAt(addr)
}

// Slots returns the reserved reference offsets in ascending order.
func (r *RawRegion) Slots() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.slots))
	for off := range r.slots {
		out = append(out, off)
	}
	sort.Ints(out)
	return out
}

// retarget rewrites every slot holding from so it holds to. Called by the
// collector with the world stopped; takes r.mu against readers.
func (r *RawRegion) retarget(from, to uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for off, compressed := range r.slots {
		if r.get(off, compressed) == from {
			r.put(off, to, compressed)
			n++
		}
	}
	return n
}

func (r *RawRegion) put(offset int, addr uint64, compressed bool) {
	size := r.RefSize(compressed)
	if offset < 0 || offset+size > len(r.buf) {
		panic(fmt.Sprintf("heap: reference store at %d+%d outside region of %d bytes", offset, size, len(r.buf)))
	}
	switch {
	case compressed:
		r.order.PutUint32(r.buf[offset:], r.heap.Compress(addr))
	case r.wordSize == 4:
		r.order.PutUint32(r.buf[offset:], uint32(addr))
	default:
		r.order.PutUint64(r.buf[offset:], addr)
	}
}

func (r *RawRegion) get(offset int, compressed bool) uint64 {
	size := r.RefSize(compressed)
	if offset < 0 || offset+size > len(r.buf) {
		panic(fmt.Sprintf("heap: reference load at %d+%d outside region of %d bytes", offset, size, len(r.buf)))
	}
	switch {
	case compressed:
		return r.heap.Decompress(r.order.Uint32(r.buf[offset:]))
	case r.wordSize == 4:
		return uint64(r.order.Uint32(r.buf[offset:]))
	default:
		return r.order.Uint64(r.buf[offset:])
	}
}
