// File: server/options.go
// Package server defines functional options for the Server facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/control"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the server logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(mr *control.MetricsRegistry) ServerOption {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithAllocator replaces the block pool backing connection buffers.
func WithAllocator(a api.Allocator) ServerOption {
	return func(s *Server) { s.alloc = a }
}

// WithThreads overrides the number of event loops.
func WithThreads(n int) ServerOption {
	return func(s *Server) {
		s.cfg.Threads = n
	}
}

// WithIdleTimeout overrides both idle deadlines.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cfg.IdleTimeout = d
		s.cfg.InitialIdleTimeout = d
	}
}

// WithChunkSize overrides the buffer chunk capacity.
func WithChunkSize(n int) ServerOption {
	return func(s *Server) {
		s.cfg.ChunkSize = n
	}
}

// WithReusePort selects per-loop SO_REUSEPORT listeners (true) or a single
// listener distributing connections round-robin (false).
func WithReusePort(enable bool) ServerOption {
	return func(s *Server) {
		s.cfg.ReusePort = enable
	}
}
