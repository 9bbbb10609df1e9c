// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-echo/api"
)

// Allocator is a test api.Allocator that fails once a number of successful
// allocations has been handed out. A negative Remaining never fails.
type Allocator struct {
	mu        sync.Mutex
	Remaining int
	Allocs    int
	Frees     int
	Failures  int
	InUse     int
}

var _ api.Allocator = (*Allocator)(nil)

// NewAllocator returns an allocator that succeeds n times. Pass -1 for an
// allocator that never fails but still counts.
func NewAllocator(n int) *Allocator { return &Allocator{Remaining: n} }

func (a *Allocator) Alloc(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Remaining == 0 || n <= 0 {
		a.Failures++
		return nil
	}
	if a.Remaining > 0 {
		a.Remaining--
	}
	a.Allocs++
	a.InUse += n
	return make([]byte, n)
}

func (a *Allocator) Free(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Frees++
	a.InUse -= len(b)
}

// Refill allows n more allocations.
func (a *Allocator) Refill(n int) {
	a.mu.Lock()
	a.Remaining = n
	a.mu.Unlock()
}

// Outstanding reports bytes allocated but not yet freed.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.InUse
}
