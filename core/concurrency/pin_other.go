//go:build !linux

// Package concurrency
// Author: momentics <momentics@gmail.com>
//
// Thread pinning fallback: threads are locked but not bound to a CPU.

package concurrency

import "runtime"

func pinCurrentThread(_ int, affinity bool) error {
	runtime.LockOSThread()
	if affinity {
		return ErrAffinityNotSupported
	}
	return nil
}

func unpinCurrentThread() { runtime.UnlockOSThread() }

func gettid() int { return 0 }
