// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConnectionHandler drives one accepted socket through a read/echo/write
// cycle on its event loop. Interest is either read or write, never both:
// while echoed bytes are pending the handler stops reading, which pushes
// back on the peer through TCP flow control.

package server

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/control"
	"github.com/momentics/hioload-echo/core/buffer"
	"github.com/momentics/hioload-echo/core/concurrency"
	"github.com/momentics/hioload-echo/internal/transport"
)

// ConnState is the handler's position in its state machine.
type ConnState int32

const (
	StateReadInterest ConnState = iota
	StateWriteInterest
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateReadInterest:
		return "read-interest"
	case StateWriteInterest:
		return "write-interest"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Close reasons, used in logs and as conn_closed_<reason> counters.
const (
	ReasonPeerClosed        = "peer_closed"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonIOError           = "io_error"
	ReasonResourceExhausted = "resource_exhausted"
	ReasonShutdown          = "shutdown"
)

var errShortSend = errors.New("send made no progress")

// HandlerConfig carries what every handler on a server shares.
type HandlerConfig struct {
	ChunkSize          int
	IdleTimeout        time.Duration
	InitialIdleTimeout time.Duration
	Allocator          api.Allocator
	Logger             *zap.Logger
	Metrics            *control.MetricsRegistry

	// OnOpen and OnClose run on the loop thread.
	OnOpen  func(*ConnectionHandler)
	OnClose func(*ConnectionHandler)

	closeFD func(int) error
}

func (cfg *HandlerConfig) normalize() {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = control.NewMetricsRegistry()
	}
	if cfg.closeFD == nil {
		cfg.closeFD = transport.Close
	}
	if cfg.InitialIdleTimeout <= 0 {
		cfg.InitialIdleTimeout = cfg.IdleTimeout
	}
}

// ConnectionHandler owns one connection. All methods run on the owning loop.
type ConnectionHandler struct {
	id    string
	fd    int
	loop  *concurrency.EventLoop
	reg   *concurrency.Registration
	rbuf  *buffer.ChunkedBuffer
	wbuf  *buffer.ChunkedBuffer
	state ConnState
	idle  time.Duration

	log      *zap.Logger
	metrics  *control.MetricsRegistry
	bytesIn  *atomic.Int64
	bytesOut *atomic.Int64
	onClose  func(*ConnectionHandler)
	closeFD  func(int) error
}

// NewConnectionHandler registers fd, already non-blocking, on loop with
// read interest and the initial idle deadline. It must run on the loop
// thread or before the loop is started. On error fd is left open.
func NewConnectionHandler(loop *concurrency.EventLoop, fd int, cfg HandlerConfig) (*ConnectionHandler, error) {
	cfg.normalize()
	id := runtimex.PanicOnError1(uuid.NewV7()).String()
	opts := []buffer.Option{buffer.WithChunkSize(cfg.ChunkSize), buffer.WithAllocator(cfg.Allocator)}
	h := &ConnectionHandler{
		id:       id,
		fd:       fd,
		loop:     loop,
		rbuf:     buffer.NewChunkedBuffer(opts...),
		wbuf:     buffer.NewChunkedBuffer(opts...),
		state:    StateReadInterest,
		idle:     cfg.IdleTimeout,
		log:      cfg.Logger.With(zap.String("conn", id), zap.Int("fd", fd), zap.Int("loop", loop.ID())),
		metrics:  cfg.Metrics,
		bytesIn:  cfg.Metrics.Counter("bytes_in"),
		bytesOut: cfg.Metrics.Counter("bytes_out"),
		onClose:  cfg.OnClose,
		closeFD:  cfg.closeFD,
	}
	reg, err := loop.Register(fd, api.Readable, cfg.InitialIdleTimeout, h.onEvent)
	if err != nil {
		return nil, err
	}
	h.reg = reg
	if cfg.OnOpen != nil {
		cfg.OnOpen(h)
	}
	h.log.Debug("connection opened")
	return h, nil
}

// ID returns the connection's UUIDv7.
func (h *ConnectionHandler) ID() string { return h.id }

// Fd returns the socket descriptor.
func (h *ConnectionHandler) Fd() int { return h.fd }

// Loop returns the owning event loop.
func (h *ConnectionHandler) Loop() *concurrency.EventLoop { return h.loop }

// State returns the current state.
func (h *ConnectionHandler) State() ConnState { return h.state }

// Buffered returns the bytes held in the read and write buffers.
func (h *ConnectionHandler) Buffered() (read, write int) {
	return h.rbuf.Len(), h.wbuf.Len()
}

// Close tears the connection down as part of server shutdown.
func (h *ConnectionHandler) Close() {
	h.close(ReasonShutdown, nil)
}

func (h *ConnectionHandler) onEvent(ev api.Event) {
	if h.state == StateClosed {
		return
	}
	if ev.Has(api.EventTimeout) {
		h.close(ReasonIdleTimeout, nil)
		return
	}
	// only one interest is ever armed, so error and hangup bits are
	// surfaced by the matching recv or send
	ok := false
	switch h.state {
	case StateReadInterest:
		ok = h.handleRead()
	case StateWriteInterest:
		ok = h.handleWrite()
	}
	if ok {
		h.rearm()
	}
}

// handleRead reads until the socket would block or a read comes up short,
// then moves everything read into the write buffer.
func (h *ConnectionHandler) handleRead() bool {
	for {
		span := h.rbuf.ReserveChunk()
		if span == nil {
			if h.rbuf.Len() == 0 && h.wbuf.Len() == 0 {
				h.close(ReasonResourceExhausted, api.ErrNoMemory)
				return false
			}
			break
		}
		n, err := transport.Recv(h.fd, span)
		if err != nil {
			if transport.IsTransient(err) {
				break
			}
			h.close(ReasonIOError, err)
			return false
		}
		if n == 0 {
			h.close(ReasonPeerClosed, nil)
			return false
		}
		h.rbuf.Commit(n)
		h.bytesIn.Add(int64(n))
		if n < len(span) {
			break
		}
	}
	h.echo()
	return true
}

// echo moves read bytes to the write buffer. An empty write buffer takes
// the read chunks wholesale; otherwise bytes are copied chunk by chunk and
// whatever cannot be allocated stays in the read buffer for the next pass.
func (h *ConnectionHandler) echo() {
	if h.rbuf.Len() == 0 {
		return
	}
	if h.wbuf.Len() == 0 {
		h.wbuf.Swap(h.rbuf)
		return
	}
	for h.rbuf.Len() > 0 {
		p := h.rbuf.PeekChunk()
		n := h.wbuf.Push(p)
		h.rbuf.Drain(n)
		if n < len(p) {
			return
		}
	}
}

// handleWrite sends until the write buffer empties or the socket would
// block.
func (h *ConnectionHandler) handleWrite() bool {
	for h.wbuf.Len() > 0 {
		n, err := transport.Send(h.fd, h.wbuf.PeekChunk())
		if err != nil {
			if transport.IsTransient(err) {
				return true
			}
			h.close(ReasonIOError, err)
			return false
		}
		if n <= 0 {
			h.close(ReasonIOError, errShortSend)
			return false
		}
		h.wbuf.Drain(n)
		h.bytesOut.Add(int64(n))
	}
	h.echo()
	return true
}

func (h *ConnectionHandler) rearm() {
	interest, next := api.Readable, StateReadInterest
	if h.wbuf.Len() > 0 {
		interest, next = api.Writable, StateWriteInterest
	}
	if err := h.reg.Rearm(interest, h.idle); err != nil {
		h.close(ReasonIOError, err)
		return
	}
	h.state = next
}

func (h *ConnectionHandler) close(reason string, cause error) {
	if h.state == StateClosed {
		return
	}
	h.state = StateClosed
	if err := h.reg.Cancel(); err != nil {
		h.log.Debug("deregister failed", zap.Error(err))
	}
	if err := h.closeFD(h.fd); err != nil {
		h.log.Warn("close failed", zap.Error(err), zap.String("class", errclass.New(err)))
	}
	pendingRead, pendingWrite := h.rbuf.Len(), h.wbuf.Len()
	h.rbuf.Release()
	h.wbuf.Release()

	h.metrics.Add("conn_closed", 1)
	h.metrics.Add("conn_closed_"+reason, 1)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("pending_read", pendingRead),
		zap.Int("pending_write", pendingWrite),
	}
	if cause != nil {
		fields = append(fields,
			zap.Error(cause),
			zap.Stringer("code", api.CodeOf(cause)),
			zap.String("class", errclass.New(cause)))
		h.log.Info("connection closed", fields...)
	} else {
		h.log.Debug("connection closed", fields...)
	}
	if h.onClose != nil {
		h.onClose(h)
	}
}
