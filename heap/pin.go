package heap

import (
	"fmt"
	"sync/atomic"
)

// Pin keeps an object at a fixed address until Close is called.
type Pin struct {
	heap   *Heap
	object *Object
	closed atomic.Bool
}

// Pin prevents o from being relocated. Pins nest.
func (h *Heap) Pin(o *Object) *Pin {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.addrs[o]; !ok {
		panic(fmt.Sprintf("heap: pin of dead object %v", o))
	}
	h.pins[o]++
	return &Pin{heap: h, object: o}
}

// Object returns the pinned object.
func (p *Pin) Object() *Object {
	return p.object
}

// Address returns the address the object is pinned at.
func (p *Pin) Address() uint64 {
	return p.heap.AddressOf(p.object)
}

// Close releases the pin. Closing twice panics.
func (p *Pin) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("heap: pin of %v closed twice", p.object))
	}

	h := p.heap
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pins[p.object]--; h.pins[p.object] <= 0 {
		delete(h.pins, p.object)
	}
}

// IsPinned reports whether o currently has at least one open pin.
func (h *Heap) IsPinned(o *Object) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pins[o] > 0
}
