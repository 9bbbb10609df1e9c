// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server wires the runtime together: a block pool for connection buffers,
// one event loop per thread hosted on a worker pool, listeners feeding the
// loops, and an orderly shutdown that stops accepting, closes connections
// and then stops and joins every loop.

package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/control"
	"github.com/momentics/hioload-echo/core/concurrency"
	"github.com/momentics/hioload-echo/internal/transport"
	"github.com/momentics/hioload-echo/pool"
)

// loopSlot is one event loop and the connections it owns.
type loopSlot struct {
	loop     *concurrency.EventLoop
	acceptor *Acceptor
	conns    map[*ConnectionHandler]struct{} // loop thread only
}

// Server is the echo service facade.
type Server struct {
	cfg     *Config
	log     *zap.Logger
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	alloc   api.Allocator

	mu        sync.Mutex
	started   bool
	stopped   bool
	workers   *concurrency.WorkerPool
	slots     []*loopSlot
	bySlot    map[*concurrency.EventLoop]*loopSlot
	listeners []int
	runs      []*concurrency.Future[struct{}]
	exited    chan struct{} // closed once every loop has returned
	addr      string
	next      atomic.Uint64
}

// NewServer builds the Server facade. cfg is copied; nil means defaults.
func NewServer(cfg *Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	s := &Server{
		cfg:     &c,
		log:     zap.NewNop(),
		metrics: control.NewMetricsRegistry(),
		probes:  control.NewDebugProbes(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.alloc == nil {
		s.alloc = pool.NewBlockPool(s.cfg.ChunkSize, s.cfg.bufferBudget())
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() Config { return *s.cfg }

// Metrics returns the server counters.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// DumpState runs every debug probe.
func (s *Server) DumpState() map[string]any { return s.probes.DumpState() }

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start opens the listeners and runs every loop on the worker pool. It
// returns once the loops are scheduled.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyRunning
	}
	defer func() {
		if err != nil {
			s.stopRunning()
			s.teardown()
		}
	}()

	threads := s.cfg.Threads
	s.workers, err = concurrency.NewWorkerPool(threads, 1,
		concurrency.WithPoolLogger(s.log),
		concurrency.WithCPUAffinity(s.cfg.PinThreads))
	if err != nil {
		return err
	}

	s.bySlot = make(map[*concurrency.EventLoop]*loopSlot, threads)
	for i := 0; i < threads; i++ {
		loop, err := concurrency.NewEventLoop(
			concurrency.WithLoopID(i),
			concurrency.WithLoopLogger(s.log),
			concurrency.WithMaxEvents(s.cfg.MaxEvents))
		if err != nil {
			return err
		}
		slot := &loopSlot{loop: loop, conns: make(map[*ConnectionHandler]struct{})}
		s.slots = append(s.slots, slot)
		s.bySlot[loop] = slot
	}

	factory := NewHandlerFactory(HandlerConfig{
		ChunkSize:          s.cfg.ChunkSize,
		IdleTimeout:        s.cfg.IdleTimeout,
		InitialIdleTimeout: s.cfg.InitialIdleTimeout,
		Allocator:          s.alloc,
		Logger:             s.log,
		Metrics:            s.metrics,
		OnOpen: func(h *ConnectionHandler) {
			s.bySlot[h.Loop()].conns[h] = struct{}{}
		},
		OnClose: func(h *ConnectionHandler) {
			delete(s.bySlot[h.Loop()].conns, h)
		},
	})

	listeners := 1
	if s.cfg.ReusePort {
		listeners = threads
	}
	addr := s.cfg.ListenAddr
	for i := 0; i < listeners; i++ {
		lfd, err := transport.Listen(addr, s.cfg.Backlog, s.cfg.ReusePort)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, lfd)
		if i == 0 {
			// a zero port is resolved once; the other listeners share it
			if addr, err = transport.LocalAddr(lfd); err != nil {
				return api.SetupError("listen: local address", err)
			}
			s.addr = addr
		}

		slot := s.slots[i]
		dispatch := s.distribute(factory)
		if s.cfg.ReusePort {
			dispatch = func(fd int) { factory(slot.loop, fd) }
		}
		slot.acceptor = NewAcceptor(slot.loop, lfd, dispatch, s.log, s.metrics)
		// loops are not running yet, so registering from here is safe
		if err := slot.acceptor.Start(); err != nil {
			return api.SetupError("listen: register", err)
		}
	}

	for _, slot := range s.slots {
		loop := slot.loop
		f, err := concurrency.Submit(s.workers, 0, func() (struct{}, error) {
			return struct{}{}, loop.Run()
		})
		if err != nil {
			return err
		}
		s.runs = append(s.runs, f)
	}

	s.registerProbes()
	s.started = true
	s.log.Info("server started",
		zap.String("addr", s.addr),
		zap.Int("threads", threads),
		zap.Bool("reuse_port", s.cfg.ReusePort),
		zap.Int("chunk_size", s.cfg.ChunkSize),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	return nil
}

// distribute spreads connections from a single listener across all loops.
func (s *Server) distribute(factory HandlerFactory) func(fd int) {
	return func(fd int) {
		slot := s.slots[(s.next.Add(1)-1)%uint64(len(s.slots))]
		if slot.loop.InLoop() {
			factory(slot.loop, fd)
			return
		}
		if err := slot.loop.Post(func() { factory(slot.loop, fd) }); err != nil {
			s.log.Warn("hand-off failed", zap.Int("fd", fd), zap.Error(err))
			_ = transport.Close(fd)
		}
	}
}

// Shutdown stops accepting, closes every connection, stops and joins all
// loops and releases the sockets. When ctx ends first it returns ctx.Err()
// and a later Shutdown resumes where this one stopped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}

	if s.exited == nil {
		// connections handed off between loops before this point are queued
		// ahead of the close-all pass below
		if err := s.onEachLoop(ctx, func(slot *loopSlot) {
			if slot.acceptor != nil {
				_ = slot.acceptor.Stop()
			}
		}); err != nil {
			return err
		}
		if err := s.onEachLoop(ctx, func(slot *loopSlot) {
			for h := range slot.conns {
				h.Close()
			}
		}); err != nil {
			return err
		}

		for _, slot := range s.slots {
			if err := slot.loop.RequestStop(); err != nil {
				return err
			}
		}
		exited := make(chan struct{})
		go func() {
			for _, slot := range s.slots {
				slot.loop.AwaitExit()
			}
			close(exited)
		}()
		s.exited = exited
	}
	select {
	case <-s.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, f := range s.runs {
		if _, err := f.Get(); err != nil {
			errs = append(errs, err)
		}
	}
	s.teardown()
	s.stopped = true
	s.log.Info("server stopped", zap.Any("metrics", s.metrics.GetSnapshot()))
	return errors.Join(errs...)
}

// onEachLoop runs fn on every loop thread and waits for all of them.
func (s *Server) onEachLoop(ctx context.Context, fn func(*loopSlot)) error {
	var wg sync.WaitGroup
	for _, slot := range s.slots {
		wg.Add(1)
		if err := slot.loop.Post(func() {
			defer wg.Done()
			fn(slot)
		}); err != nil {
			wg.Done()
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopRunning stops and joins the loops already handed to the pool.
func (s *Server) stopRunning() {
	for _, slot := range s.slots[:len(s.runs)] {
		_ = slot.loop.RequestStop()
	}
	for _, slot := range s.slots[:len(s.runs)] {
		slot.loop.AwaitExit()
	}
}

// teardown releases whatever Start managed to create. Loops must not be
// running.
func (s *Server) teardown() {
	for _, lfd := range s.listeners {
		_ = transport.Close(lfd)
	}
	s.listeners = nil
	if s.workers != nil {
		s.workers.Close()
	}
	for _, slot := range s.slots {
		_ = slot.loop.Close()
	}
}

func (s *Server) registerProbes() {
	s.probes.RegisterProbe("loops.pending", func() any {
		out := make([]int, len(s.slots))
		for i, slot := range s.slots {
			out[i] = slot.loop.Pending()
		}
		return out
	})
	s.probes.RegisterProbe("loops.state", func() any {
		out := make([]string, len(s.slots))
		for i, slot := range s.slots {
			out[i] = slot.loop.State().String()
		}
		return out
	})
	s.probes.RegisterProbe("connections.active", func() any {
		return s.metrics.Get("conn_accepted") - s.metrics.Get("conn_closed")
	})
	s.probes.RegisterProbe("metrics", func() any { return s.metrics.GetSnapshot() })
	if bp, ok := s.alloc.(*pool.BlockPool); ok {
		s.probes.RegisterProbe("buffers", func() any { return bp.Stats() })
	}
}
