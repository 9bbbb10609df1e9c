// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Readiness interest and event bits shared by the poller, the event loop
// and connection handlers.

package api

import "strings"

// Interest selects which readiness conditions a registration waits for.
type Interest uint8

const (
	// Readable waits for incoming data, EOF or a pending accept.
	Readable Interest = 1 << iota
	// Writable waits for send buffer space.
	Writable
)

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case Readable:
		return "read"
	case Writable:
		return "write"
	case Readable | Writable:
		return "read|write"
	}
	return "invalid"
}

// Event is the set of conditions reported to a registration callback.
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
	EventHangup
	// EventTimeout is synthesized by the event loop when a registration's
	// idle deadline passes without being re-armed.
	EventTimeout
)

// Has reports whether all bits of x are set in e.
func (e Event) Has(x Event) bool { return e&x == x }

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, p := range []struct {
		bit  Event
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
		{EventTimeout, "timeout"},
	} {
		if e&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// Callback receives readiness or timeout events for one registration.
// It always runs on the owning event loop's thread.
type Callback func(ev Event)
