//go:build !linux

// File: internal/transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "github.com/momentics/hioload-echo/api"

const DefaultBacklog = 512

func SetNonblock(int) error         { return api.ErrNotSupported }
func SetNoDelay(int) error          { return api.ErrNotSupported }
func Recv(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func Send(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func Close(int) error               { return api.ErrNotSupported }
func IsTransient(error) bool        { return false }
func Accept(int) (int, error)       { return -1, api.ErrNotSupported }
func LocalAddr(int) (string, error) { return "", api.ErrNotSupported }
func Listen(addr string, _ int, _ bool) (int, error) {
	return -1, api.SetupError("listen", api.ErrNotSupported).WithContext("addr", addr)
}
