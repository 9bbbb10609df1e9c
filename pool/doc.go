// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-echo.
// BlockPool recycles the fixed-size blocks that back chunked byte queues
// and enforces an optional byte budget. Exhausting the budget surfaces as
// a nil block, never as a panic.
package pool
