// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed indicates the worker pool has begun shutting down
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrInvalidWorkerCount indicates invalid thread or priority count configuration
	ErrInvalidWorkerCount = errors.New("invalid worker count")

	// ErrInvalidPriority indicates a priority outside [0, priorities)
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrAffinityNotSupported indicates CPU affinity is not supported on this platform
	ErrAffinityNotSupported = errors.New("CPU affinity not supported")

	// ErrLoopRunning indicates Run was called on a loop that is already running,
	// or Close on a loop that has not exited
	ErrLoopRunning = errors.New("event loop is running")

	// ErrLoopClosed indicates the loop's poller has been released
	ErrLoopClosed = errors.New("event loop is closed")

	// ErrRegistrationClosed indicates use of a cancelled registration
	ErrRegistrationClosed = errors.New("registration is cancelled")
)

// PanicError carries a panic raised by a submitted task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
