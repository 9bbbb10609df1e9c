// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration and its defaults.

package server

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pbnjay/memory"

	"github.com/momentics/hioload-echo/core/buffer"
	"github.com/momentics/hioload-echo/internal/logutil"
	"github.com/momentics/hioload-echo/internal/transport"
)

var (
	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid server config")
)

// Config holds all server-side configuration parameters. Field tags match
// the TOML configuration file.
type Config struct {
	ListenAddr         string        `toml:"listen"`               // TCP bind address, e.g. "0.0.0.0:2200"
	Threads            int           `toml:"threads"`              // event loops, one OS thread each
	ChunkSize          int           `toml:"chunk-size"`           // default buffer chunk capacity
	IdleTimeout        time.Duration `toml:"idle-timeout"`         // deadline re-armed after every event
	InitialIdleTimeout time.Duration `toml:"initial-idle-timeout"` // deadline for a fresh connection
	Backlog            int           `toml:"backlog"`              // listen(2) backlog
	ReusePort          bool          `toml:"reuse-port"`           // one SO_REUSEPORT listener per loop
	MaxBufferMemory    int64         `toml:"max-buffer-memory"`    // bytes; 0 = derive from RAM, <0 = unbounded
	MaxEvents          int           `toml:"max-events"`           // readiness events per wait
	PinThreads         bool          `toml:"pin-threads"`          // bind loop threads to CPUs
	ShutdownTimeout    time.Duration `toml:"shutdown-timeout"`     // graceful shutdown bound

	Log logutil.LogConfig `toml:"log"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "0.0.0.0:2200",
		Threads:            runtime.GOMAXPROCS(0),
		ChunkSize:          buffer.DefaultChunkSize,
		IdleTimeout:        10 * time.Second,
		InitialIdleTimeout: 60 * time.Second,
		Backlog:            transport.DefaultBacklog,
		ReusePort:          true,
		MaxEvents:          256,
		ShutdownTimeout:    30 * time.Second,
		Log:                logutil.DefaultLogConfig(),
	}
}

// Validate checks ranges and fills derived values.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	case c.Threads < 1:
		return fmt.Errorf("%w: threads must be >= 1, got %d", ErrInvalidConfig, c.Threads)
	case c.ChunkSize < 1:
		return fmt.Errorf("%w: chunk-size must be >= 1, got %d", ErrInvalidConfig, c.ChunkSize)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle-timeout must be positive", ErrInvalidConfig)
	case c.InitialIdleTimeout < 0:
		return fmt.Errorf("%w: initial-idle-timeout must not be negative", ErrInvalidConfig)
	case c.Backlog < 0:
		return fmt.Errorf("%w: backlog must not be negative", ErrInvalidConfig)
	}
	if c.InitialIdleTimeout == 0 {
		c.InitialIdleTimeout = c.IdleTimeout
	}
	if c.Backlog == 0 {
		c.Backlog = transport.DefaultBacklog
	}
	return nil
}

// bufferBudget resolves MaxBufferMemory to a byte limit, 0 meaning none.
// The automatic budget is a quarter of physical memory, or of the cgroup
// limit when that is lower.
func (c *Config) bufferBudget() int64 {
	switch {
	case c.MaxBufferMemory > 0:
		return c.MaxBufferMemory
	case c.MaxBufferMemory < 0:
		return 0
	}
	total := memory.TotalMemory()
	if cgroup, err := memlimit.FromCgroup(); err == nil && cgroup != 0 && cgroup < total {
		total = cgroup
	}
	return int64(total / 4)
}
