//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/hioload-echo/api"

// NewPoller returns an error for unsupported platforms.
func NewPoller() (Poller, error) {
	return nil, api.SetupError("reactor: this platform is not supported", api.ErrNotSupported)
}
