// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines the block allocation contract used by chunked byte queues.

package api

// Allocator hands out fixed-length byte blocks for buffer chunks.
//
// Alloc returns a block of exactly n bytes, or nil when memory cannot be
// obtained. A nil result is the allocation-failure signal; callers degrade
// to a short count instead of panicking.
type Allocator interface {
	// Alloc returns a block with len == n, or nil on failure.
	Alloc(n int) []byte

	// Free returns a block obtained from Alloc. The block must not be
	// used afterwards.
	Free(b []byte)
}

// AllocatorStats exposes accounting for an Allocator.
type AllocatorStats struct {
	Allocs   int64 // successful Alloc calls
	Frees    int64 // Free calls
	Failures int64 // Alloc calls that returned nil
	InUse    int64 // bytes currently handed out
	Limit    int64 // byte budget, 0 means unbounded
}
