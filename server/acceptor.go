// File: server/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Acceptor drains a non-blocking listening socket whenever it turns
// readable and hands every new descriptor to a dispatch function.

package server

import (
	"sync/atomic"

	"github.com/bassosimone/errclass"
	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/control"
	"github.com/momentics/hioload-echo/core/concurrency"
	"github.com/momentics/hioload-echo/internal/transport"
)

// Acceptor is bound to one loop. Start and Stop run on that loop.
type Acceptor struct {
	fd       int
	loop     *concurrency.EventLoop
	reg      *concurrency.Registration
	dispatch func(fd int)
	log      *zap.Logger
	errors   *atomic.Int64
}

// NewAcceptor wraps the listening socket lfd.
func NewAcceptor(loop *concurrency.EventLoop, lfd int, dispatch func(fd int), log *zap.Logger, mr *control.MetricsRegistry) *Acceptor {
	if log == nil {
		log = zap.NewNop()
	}
	if mr == nil {
		mr = control.NewMetricsRegistry()
	}
	return &Acceptor{
		fd:       lfd,
		loop:     loop,
		dispatch: dispatch,
		log:      log.With(zap.Int("listener", lfd), zap.Int("loop", loop.ID())),
		errors:   mr.Counter("accept_errors"),
	}
}

// Start registers the listener for read readiness with no idle deadline.
func (a *Acceptor) Start() error {
	reg, err := a.loop.Register(a.fd, api.Readable, 0, a.onEvent)
	if err != nil {
		return err
	}
	a.reg = reg
	return nil
}

// Stop deregisters the listener. The socket stays open.
func (a *Acceptor) Stop() error {
	if a.reg == nil {
		return nil
	}
	return a.reg.Cancel()
}

func (a *Acceptor) onEvent(api.Event) {
	for {
		fd, err := transport.Accept(a.fd)
		if err != nil {
			if !transport.IsTransient(err) {
				a.errors.Add(1)
				a.log.Warn("accept failed", zap.Error(err), zap.String("class", errclass.New(err)))
			}
			return
		}
		a.dispatch(fd)
	}
}
