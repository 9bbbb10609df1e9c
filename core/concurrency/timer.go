// File: core/concurrency/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Min-heap of registration idle deadlines, ordered by expiry.

package concurrency

import (
	"container/heap"
	"time"
)

type timerHeap []*Registration

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	r := x.(*Registration)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// schedule arms or moves r's deadline.
func (h *timerHeap) schedule(r *Registration, deadline time.Time) {
	r.deadline = deadline
	if r.index >= 0 {
		heap.Fix(h, r.index)
		return
	}
	heap.Push(h, r)
}

// unschedule drops r's deadline if armed.
func (h *timerHeap) unschedule(r *Registration) {
	if r.index >= 0 {
		heap.Remove(h, r.index)
	}
	r.deadline = time.Time{}
}

// next returns the earliest deadline.
func (h timerHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].deadline, true
}

// popExpired removes and returns the earliest registration whose deadline
// is not after now.
func (h *timerHeap) popExpired(now time.Time) *Registration {
	if len(*h) == 0 || (*h)[0].deadline.After(now) {
		return nil
	}
	return heap.Pop(h).(*Registration)
}
