// File: pool/slab_pool.go
// Package pool implements budgeted slab allocation for buffer chunks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-echo/api"
)

// BlockPool is an api.Allocator that recycles blocks of one slab size and
// enforces an optional byte budget across all outstanding blocks.
//
// Blocks whose length equals the slab size are kept in a sync.Pool after
// Free. Any other length (oversized chunks, coalesced peeks) is served from
// the heap and left to the GC on Free, but still counts against the budget
// while outstanding.
type BlockPool struct {
	size  int
	limit int64
	slab  sync.Pool

	inUse    atomic.Int64
	allocs   atomic.Int64
	frees    atomic.Int64
	failures atomic.Int64
}

var _ api.Allocator = (*BlockPool)(nil)

// NewBlockPool creates a pool recycling blocks of slabSize bytes. limit is
// the byte budget; zero or negative disables the budget.
func NewBlockPool(slabSize int, limit int64) *BlockPool {
	if slabSize <= 0 {
		slabSize = 4096
	}
	if limit < 0 {
		limit = 0
	}
	bp := &BlockPool{size: slabSize, limit: limit}
	bp.slab.New = func() any {
		b := make([]byte, slabSize)
		return &b
	}
	return bp
}

// SlabSize reports the recycled block length.
func (bp *BlockPool) SlabSize() int { return bp.size }

// Alloc implements api.Allocator.
func (bp *BlockPool) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	if !bp.reserve(int64(n)) {
		bp.failures.Add(1)
		return nil
	}
	bp.allocs.Add(1)
	if n == bp.size {
		return *(bp.slab.Get().(*[]byte))
	}
	return make([]byte, n)
}

// Free implements api.Allocator.
func (bp *BlockPool) Free(b []byte) {
	if b == nil {
		return
	}
	bp.frees.Add(1)
	bp.inUse.Add(-int64(len(b)))
	if len(b) == bp.size && cap(b) == bp.size {
		bp.slab.Put(&b)
	}
}

// reserve charges n bytes against the budget.
func (bp *BlockPool) reserve(n int64) bool {
	if bp.limit == 0 {
		bp.inUse.Add(n)
		return true
	}
	for {
		cur := bp.inUse.Load()
		if cur+n > bp.limit {
			return false
		}
		if bp.inUse.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Stats returns a point-in-time accounting snapshot.
func (bp *BlockPool) Stats() api.AllocatorStats {
	return api.AllocatorStats{
		Allocs:   bp.allocs.Load(),
		Frees:    bp.frees.Load(),
		Failures: bp.failures.Load(),
		InUse:    bp.inUse.Load(),
		Limit:    bp.limit,
	}
}
