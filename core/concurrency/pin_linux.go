//go:build linux

// Package concurrency
// Author: momentics <momentics@gmail.com>
//
// Thread pinning for Linux via sched_setaffinity(2).

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread locks the calling goroutine to its OS thread and, when
// affinity is set, restricts that thread to one CPU chosen by slot.
func pinCurrentThread(slot int, affinity bool) error {
	runtime.LockOSThread()
	if !affinity {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(slot % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}

func unpinCurrentThread() { runtime.UnlockOSThread() }

func gettid() int { return unix.Gettid() }
