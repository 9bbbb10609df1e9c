// File: core/buffer/chunked.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChunkedBuffer is a FIFO byte queue stored as a sequence of fixed-capacity
// chunks. Producers append at the tail (the produce side), consumers read
// and release from the head (the consume side). Chunks are owned by exactly
// one buffer and are moved, never copied, between structures.
//
// A ChunkedBuffer is not safe for concurrent use; each instance is confined
// to the goroutine (event loop) that owns it.

package buffer

import (
	"github.com/bassosimone/runtimex"

	"github.com/momentics/hioload-echo/api"
)

// DefaultChunkSize is the chunk capacity used when no option overrides it.
const DefaultChunkSize = 4096

type chunk struct {
	buf      []byte
	off, end int
}

func (c *chunk) readable() []byte { return c.buf[c.off:c.end] }
func (c *chunk) spare() int       { return len(c.buf) - c.end }
func (c *chunk) empty() bool      { return c.off == c.end }

// ChunkedBuffer is a chunked byte queue. The zero value is not usable; use
// NewChunkedBuffer.
type ChunkedBuffer struct {
	// chunks[head] is the consume side, chunks[len-1] the produce side.
	chunks    []*chunk
	head      int
	size      int
	chunkSize int
	alloc     api.Allocator
}

// Option configures a ChunkedBuffer.
type Option func(*ChunkedBuffer)

// WithChunkSize sets the default chunk capacity. Non-positive values are
// ignored.
func WithChunkSize(n int) Option {
	return func(b *ChunkedBuffer) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithAllocator sets the block source for chunks.
func WithAllocator(a api.Allocator) Option {
	return func(b *ChunkedBuffer) {
		if a != nil {
			b.alloc = a
		}
	}
}

// NewChunkedBuffer returns an empty buffer.
func NewChunkedBuffer(opts ...Option) *ChunkedBuffer {
	b := &ChunkedBuffer{
		chunkSize: DefaultChunkSize,
		alloc:     heapAllocator{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of readable bytes.
func (b *ChunkedBuffer) Len() int { return b.size }

// ChunkSize returns the configured default chunk capacity.
func (b *ChunkedBuffer) ChunkSize() int { return b.chunkSize }

// Chunks returns the number of chunks currently held.
func (b *ChunkedBuffer) Chunks() int { return len(b.chunks) - b.head }

// Push appends p and returns the number of bytes accepted. Spare capacity
// in the produce-side chunk is filled first; the remainder goes into one new
// chunk of max(remainder, ChunkSize()) bytes. A short count means the new
// chunk could not be allocated.
func (b *ChunkedBuffer) Push(p []byte) int {
	written := 0
	if t := b.back(); t != nil && t.spare() > 0 {
		written = copy(t.buf[t.end:], p)
		t.end += written
	}
	if rest := len(p) - written; rest > 0 {
		c := b.newChunk(max(rest, b.chunkSize))
		if c != nil {
			c.end = copy(c.buf, p[written:])
			b.pushBack(c)
			written += c.end
		}
	}
	b.size += written
	return written
}

// Write implements io.Writer on top of Push.
func (b *ChunkedBuffer) Write(p []byte) (int, error) {
	n := b.Push(p)
	if n < len(p) {
		return n, api.ErrNoMemory
	}
	return n, nil
}

// Drain discards up to n bytes from the consume side and returns how many
// were discarded. Fully consumed chunks are released.
func (b *ChunkedBuffer) Drain(n int) int {
	drained := 0
	for n > 0 && b.head < len(b.chunks) {
		c := b.chunks[b.head]
		avail := c.end - c.off
		if n < avail {
			c.off += n
			drained += n
			break
		}
		drained += avail
		n -= avail
		b.popFront()
	}
	b.size -= drained
	return drained
}

// Peek returns a contiguous view of the first n readable bytes without
// consuming them. When the head chunk already holds n bytes the view
// aliases it. Otherwise the first n bytes are gathered once into a new
// chunk of exactly n bytes placed at the consume side, so repeated peeks
// are zero-copy. Peek returns nil when n > Len() or allocation fails.
//
// The view is valid until the next mutating call.
func (b *ChunkedBuffer) Peek(n int) []byte {
	if n > b.size {
		return nil
	}
	if n <= 0 {
		return []byte{}
	}
	if f := b.front(); f.end-f.off >= n {
		return f.buf[f.off : f.off+n]
	}
	c := b.newChunk(n)
	if c == nil {
		return nil
	}
	for c.end < n {
		f := b.front()
		k := copy(c.buf[c.end:], f.readable())
		c.end += k
		if f.off+k == f.end {
			b.popFront()
		} else {
			f.off += k
		}
	}
	b.pushFront(c)
	return c.buf[:n]
}

// PeekChunk returns the readable bytes of the consume-side chunk. It is
// empty when the buffer is empty.
func (b *ChunkedBuffer) PeekChunk() []byte {
	if f := b.front(); f != nil {
		return f.readable()
	}
	return nil
}

// ReserveChunk returns writable space at the produce side, at least one
// byte long. A fresh chunk of ChunkSize() bytes is appended when the
// produce-side chunk is full or absent. It returns nil when allocation
// fails. Follow with Commit.
func (b *ChunkedBuffer) ReserveChunk() []byte {
	if t := b.back(); t != nil && t.spare() > 0 {
		return t.buf[t.end:]
	}
	c := b.newChunk(b.chunkSize)
	if c == nil {
		return nil
	}
	b.pushBack(c)
	return c.buf
}

// Reserve returns contiguous writable space of at least n bytes at the
// produce side, appending a chunk of max(n, ChunkSize()) bytes when the
// current one is too small. It returns nil when allocation fails.
func (b *ChunkedBuffer) Reserve(n int) []byte {
	if n <= 0 {
		return b.ReserveChunk()
	}
	t := b.back()
	if t != nil && t.spare() >= n {
		return t.buf[t.end:]
	}
	if t != nil && t.empty() {
		b.popBack()
	}
	c := b.newChunk(max(n, b.chunkSize))
	if c == nil {
		return nil
	}
	b.pushBack(c)
	return c.buf
}

// Commit publishes n bytes written into the span returned by the last
// Reserve or ReserveChunk. Committing more than was reserved panics.
func (b *ChunkedBuffer) Commit(n int) {
	if n == 0 {
		return
	}
	t := b.back()
	runtimex.Assert(t != nil && n > 0 && n <= t.spare())
	t.end += n
	b.size += n
}

// At returns the byte at logical offset i from the consume side. It panics
// when i is outside [0, Len()).
func (b *ChunkedBuffer) At(i int) byte {
	runtimex.Assert(i >= 0 && i < b.size)
	for _, c := range b.chunks[b.head:] {
		l := c.end - c.off
		if i < l {
			return c.buf[c.off+i]
		}
		i -= l
	}
	panic("unreachable")
}

// Swap exchanges the entire contents and configuration of b and other in
// constant time.
func (b *ChunkedBuffer) Swap(other *ChunkedBuffer) {
	*b, *other = *other, *b
}

// Release frees every chunk back to the allocator and empties the buffer.
// The buffer remains usable.
func (b *ChunkedBuffer) Release() {
	for i := b.head; i < len(b.chunks); i++ {
		b.alloc.Free(b.chunks[i].buf)
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:0]
	b.head = 0
	b.size = 0
}

func (b *ChunkedBuffer) newChunk(n int) *chunk {
	buf := b.alloc.Alloc(n)
	if buf == nil {
		return nil
	}
	return &chunk{buf: buf}
}

func (b *ChunkedBuffer) front() *chunk {
	if b.head < len(b.chunks) {
		return b.chunks[b.head]
	}
	return nil
}

func (b *ChunkedBuffer) back() *chunk {
	if b.head < len(b.chunks) {
		return b.chunks[len(b.chunks)-1]
	}
	return nil
}

func (b *ChunkedBuffer) popFront() {
	c := b.chunks[b.head]
	b.chunks[b.head] = nil
	b.head++
	if b.head == len(b.chunks) {
		b.chunks = b.chunks[:0]
		b.head = 0
	}
	b.alloc.Free(c.buf)
}

func (b *ChunkedBuffer) popBack() {
	last := len(b.chunks) - 1
	c := b.chunks[last]
	b.chunks[last] = nil
	b.chunks = b.chunks[:last]
	if b.head == len(b.chunks) {
		b.chunks = b.chunks[:0]
		b.head = 0
	}
	b.alloc.Free(c.buf)
}

func (b *ChunkedBuffer) pushBack(c *chunk) {
	if b.head > 0 && len(b.chunks) == cap(b.chunks) {
		n := copy(b.chunks, b.chunks[b.head:])
		clear(b.chunks[n:])
		b.chunks = b.chunks[:n]
		b.head = 0
	}
	b.chunks = append(b.chunks, c)
}

func (b *ChunkedBuffer) pushFront(c *chunk) {
	if b.head > 0 {
		b.head--
		b.chunks[b.head] = c
		return
	}
	b.chunks = append(b.chunks, nil)
	copy(b.chunks[1:], b.chunks)
	b.chunks[0] = c
}

type heapAllocator struct{}

func (heapAllocator) Alloc(n int) []byte { return make([]byte, n) }
func (heapAllocator) Free([]byte)        {}
