// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket primitives for the event loops: non-blocking listening
// sockets, accept, and recv/send that report would-block as a transient
// error instead of parking the thread. Linux only; other platforms get
// stubs returning api.ErrNotSupported.

package transport
