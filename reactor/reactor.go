// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness poller interface.

package reactor

import (
	"time"

	"github.com/momentics/hioload-echo/api"
)

// Poller multiplexes readiness of many descriptors onto one waiting thread.
//
// Add, Modify, Delete and Wait are meant to be called from the owning event
// loop. Wake is safe from any goroutine and makes a blocked or future Wait
// return promptly.
type Poller interface {
	// Add starts watching fd for the given interest.
	Add(fd int, interest api.Interest) error

	// Modify replaces the interest set of a watched fd.
	Modify(fd int, interest api.Interest) error

	// Delete stops watching fd.
	Delete(fd int) error

	// Wait blocks until at least one descriptor is ready, Wake is called or
	// timeout elapses. A negative timeout blocks indefinitely. Wakeups are
	// consumed internally and are not reported as events; an interrupted
	// wait returns zero events and no error.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wake interrupts Wait.
	Wake() error

	// Close releases the poller and its wakeup channel. Idempotent.
	Close() error
}

// Event contains one readiness report returned by Wait.
type Event struct {
	Fd     int
	Events api.Event
}

// timeoutMillis converts a wait timeout to whole milliseconds, rounding up
// so that a sub-millisecond deadline does not degrade into a busy poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
