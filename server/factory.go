// File: server/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/bassosimone/errclass"
	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/core/concurrency"
	"github.com/momentics/hioload-echo/internal/transport"
)

// HandlerFactory adopts a freshly accepted descriptor on loop. It runs on
// the loop thread and owns fd from the moment it is called: on any setup
// failure fd is closed and nothing is retained.
type HandlerFactory func(loop *concurrency.EventLoop, fd int)

// NewHandlerFactory returns the echo handler factory for cfg.
func NewHandlerFactory(cfg HandlerConfig) HandlerFactory {
	cfg.normalize()
	accepted := cfg.Metrics.Counter("conn_accepted")
	failures := cfg.Metrics.Counter("setup_failures")

	return func(loop *concurrency.EventLoop, fd int) {
		fail := func(step string, err error) {
			failures.Add(1)
			cfg.Logger.Warn("connection setup failed",
				zap.String("step", step),
				zap.Int("fd", fd),
				zap.Int("loop", loop.ID()),
				zap.Error(err),
				zap.String("class", errclass.New(err)))
			_ = cfg.closeFD(fd)
		}
		if err := transport.SetNonblock(fd); err != nil {
			fail("nonblock", err)
			return
		}
		// fails harmlessly on non-TCP sockets
		_ = transport.SetNoDelay(fd)
		if _, err := NewConnectionHandler(loop, fd, cfg); err != nil {
			fail("register", err)
			return
		}
		accepted.Add(1)
	}
}
