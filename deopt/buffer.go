package deopt

import (
	"fmt"

	"github.com/chazu/deoptkit/heap"
)

// FrameBuffer is the raw byte image of the rebuilt frames, laid out in the
// target's byte order. It is not visible to the collector as an object;
// references are written through a heap.RawRegion so relocations rewrite
// them. Every byte may be written at most once.
type FrameBuffer struct {
	target  Target
	buf     []byte
	written []bool
	region  *heap.RawRegion
	mem     Heap
}

// NewFrameBuffer allocates a zeroed buffer of size bytes and registers it
// with mem as a raw region.
func NewFrameBuffer(size int, target Target, mem Heap) *FrameBuffer {
	if size < 0 {
		panic(fmt.Sprintf("deopt: negative frame buffer size %d", size))
	}
	b := &FrameBuffer{
		target:  target,
		buf:     make([]byte, size),
		written: make([]bool, size),
		mem:     mem,
	}
	b.region = mem.NewRawRegion(b.buf, target.ByteOrder, target.WordSize)
	return b
}

// Size returns the buffer size in bytes.
func (b *FrameBuffer) Size() int {
	return len(b.buf)
}

// Bytes returns a copy of the buffer contents.
func (b *FrameBuffer) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Written reports whether the byte at offset has been written.
func (b *FrameBuffer) Written(offset int) bool {
	return offset >= 0 && offset < len(b.written) && b.written[offset]
}

// Release stops the collector from tracking references in the buffer.
// The contents stay readable.
func (b *FrameBuffer) Release() {
	if b.region != nil {
		b.mem.ReleaseRawRegion(b.region)
	}
}

// claim marks [offset, offset+n) as written.
func (b *FrameBuffer) claim(offset, n int) {
	if offset < 0 || offset+n > len(b.buf) {
		fatalf(nil, "frame buffer write at %d+%d outside buffer of %d bytes", offset, n, len(b.buf))
	}
	for i := offset; i < offset+n; i++ {
		assertf(!b.written[i], "double assignment of frame buffer byte %d", i)
	}
	for i := offset; i < offset+n; i++ {
		b.written[i] = true
	}
}

func (b *FrameBuffer) check(offset, n int) {
	if offset < 0 || offset+n > len(b.buf) {
		panic(fmt.Sprintf("deopt: frame buffer read at %d+%d outside buffer of %d bytes", offset, n, len(b.buf)))
	}
}

// WriteScalar4 writes a 4-byte primitive.
func (b *FrameBuffer) WriteScalar4(offset int, v uint32) {
	b.claim(offset, 4)
	b.target.ByteOrder.PutUint32(b.buf[offset:], v)
}

// WriteScalar8 writes an 8-byte primitive.
func (b *FrameBuffer) WriteScalar8(offset int, v uint64) {
	b.claim(offset, 8)
	b.target.ByteOrder.PutUint64(b.buf[offset:], v)
}

// WriteAddress writes a machine word.
func (b *FrameBuffer) WriteAddress(offset int, v uint64) {
	b.claim(offset, b.target.WordSize)
	if b.target.WordSize == 4 {
		b.target.ByteOrder.PutUint32(b.buf[offset:], uint32(v))
		return
	}
	b.target.ByteOrder.PutUint64(b.buf[offset:], v)
}

// ReserveObjectRef registers a reference slot with the collector. Every
// slot passed to WriteObjectRef must be reserved first, outside the
// critical section that writes it.
func (b *FrameBuffer) ReserveObjectRef(offset int, compressed bool) {
	if n := b.target.ReferenceSize(compressed); offset < 0 || offset+n > len(b.buf) {
		fatalf(nil, "frame buffer reference slot at %d+%d outside buffer of %d bytes", offset, n, len(b.buf))
	}
	b.region.Reserve(offset, compressed)
}

// WriteObjectRef writes the current address of o, compressed if asked,
// into a reserved slot. A nil o writes null.
func (b *FrameBuffer) WriteObjectRef(offset int, o *heap.Object, compressed bool) {
	b.claim(offset, b.target.ReferenceSize(compressed))
	b.region.StoreReference(offset, o, compressed)
}

// ReadScalar4 reads a 4-byte primitive.
func (b *FrameBuffer) ReadScalar4(offset int) uint32 {
	b.check(offset, 4)
	return b.target.ByteOrder.Uint32(b.buf[offset:])
}

// ReadScalar8 reads an 8-byte primitive.
func (b *FrameBuffer) ReadScalar8(offset int) uint64 {
	b.check(offset, 8)
	return b.target.ByteOrder.Uint64(b.buf[offset:])
}

// ReadAddress reads a machine word.
func (b *FrameBuffer) ReadAddress(offset int) uint64 {
	b.check(offset, b.target.WordSize)
	if b.target.WordSize == 4 {
		return uint64(b.target.ByteOrder.Uint32(b.buf[offset:]))
	}
	return b.target.ByteOrder.Uint64(b.buf[offset:])
}

// ReadObjectRef decodes the reference at offset.
func (b *FrameBuffer) ReadObjectRef(offset int, compressed bool) *heap.Object {
	b.check(offset, b.target.ReferenceSize(compressed))
	return b.region.LoadReference(offset, compressed)
}
