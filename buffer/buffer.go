// Package buffer implements the reference-counted immutable byte buffer
// and metadata sidecar that every port in the stack passes data through,
// plus the fixed-capacity ring buffer Gattlink uses as its retransmit
// store (gg_types.h / GG_Buffer, GG_RingBuffer in original_source).
package buffer

import (
	"sync/atomic"
)

// Buffer is a reference-counted, immutable view of a byte slice. Multiple
// Buffers can share the same backing array via Slice without copying.
type Buffer struct {
	data   []byte
	offset int
	length int
	refs   *int32
}

// New creates a Buffer that owns a copy of data.
func New(data []byte) *Buffer {
	cp := make([]byte, len(data))
	copy(cp, data)
	refs := int32(1)
	return &Buffer{data: cp, offset: 0, length: len(cp), refs: &refs}
}

// NewZeroCopy wraps data without copying it; the caller must not mutate
// data afterwards.
func NewZeroCopy(data []byte) *Buffer {
	refs := int32(1)
	return &Buffer{data: data, offset: 0, length: len(data), refs: &refs}
}

// Retain increments the reference count and returns self, for callers that
// want to keep a buffer alive past the scope that handed it to them.
func (b *Buffer) Retain() *Buffer {
	if b == nil {
		return nil
	}
	atomic.AddInt32(b.refs, 1)
	return b
}

// Release decrements the reference count. Buffers are backed by Go's GC,
// so Release is purely bookkeeping parity with the source's manual
// ref-counting discipline; it never frees memory explicitly.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	atomic.AddInt32(b.refs, -1)
}

// Size returns the number of bytes visible through this Buffer.
func (b *Buffer) Size() int { return b.length }

// Data returns the visible slice. Callers must not mutate it.
func (b *Buffer) Data() []byte { return b.data[b.offset : b.offset+b.length] }

// Slice returns a new Buffer sharing the same backing array, covering
// [start, start+length) of the current view. It is zero-copy.
func (b *Buffer) Slice(start, length int) *Buffer {
	if start < 0 || length < 0 || start+length > b.length {
		panic("buffer: slice out of range")
	}
	atomic.AddInt32(b.refs, 1)
	return &Buffer{data: b.data, offset: b.offset + start, length: length, refs: b.refs}
}
