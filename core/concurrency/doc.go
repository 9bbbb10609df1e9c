// Package concurrency provides the event loop dispatcher and the priority
// worker pool that hosts loops.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package concurrency
