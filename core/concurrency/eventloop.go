// File: core/concurrency/eventloop.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is a single-threaded readiness dispatcher. One OS thread runs
// the loop: it waits on the poller, invokes registration callbacks, fires
// idle deadlines and executes tasks posted from any goroutine. Everything
// the loop owns (registrations, deadlines, connection buffers) is touched
// only from that thread, so none of it needs locking.

package concurrency

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/reactor"
)

// LoopState is the lifecycle state of an EventLoop.
type LoopState int32

const (
	StateIdle LoopState = iota
	StateRunning
	StateStopping
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const defaultMaxEvents = 256

// EventLoop dispatches readiness events and posted tasks on one thread.
type EventLoop struct {
	id        int
	poller    reactor.Poller
	log       *zap.Logger
	maxEvents int

	mu           sync.Mutex
	exited       *sync.Cond
	tasks        *queue.Queue // pending func(), guarded by mu
	spare        *queue.Queue // batch being executed, loop thread only
	running      bool
	stopsPending int
	closed       bool

	state atomic.Int32
	tid   atomic.Int64

	// loop thread only
	regs     map[int]*Registration
	timers   timerHeap
	breaking bool
	events   []reactor.Event
}

// LoopOption configures an EventLoop.
type LoopOption func(*EventLoop)

// WithLoopLogger sets the logger. Defaults to a no-op logger.
func WithLoopLogger(l *zap.Logger) LoopOption {
	return func(el *EventLoop) {
		if l != nil {
			el.log = l
		}
	}
}

// WithLoopID tags the loop in logs.
func WithLoopID(id int) LoopOption {
	return func(el *EventLoop) { el.id = id }
}

// WithMaxEvents bounds the readiness events handled per wait.
func WithMaxEvents(n int) LoopOption {
	return func(el *EventLoop) {
		if n > 0 {
			el.maxEvents = n
		}
	}
}

// NewEventLoop creates an idle loop with its own poller and wakeup channel.
func NewEventLoop(opts ...LoopOption) (*EventLoop, error) {
	p, err := reactor.NewPoller()
	if err != nil {
		return nil, err
	}
	el := &EventLoop{
		poller:    p,
		log:       zap.NewNop(),
		maxEvents: defaultMaxEvents,
		tasks:     queue.New(),
		spare:     queue.New(),
		regs:      make(map[int]*Registration),
	}
	el.exited = sync.NewCond(&el.mu)
	for _, opt := range opts {
		opt(el)
	}
	el.log = el.log.With(zap.Int("loop", el.id))
	el.events = make([]reactor.Event, el.maxEvents)
	return el, nil
}

// ID returns the loop tag.
func (el *EventLoop) ID() int { return el.id }

// State reports the current lifecycle state.
func (el *EventLoop) State() LoopState { return LoopState(el.state.Load()) }

// ThreadID returns the OS thread id running the loop, or 0 when idle.
func (el *EventLoop) ThreadID() int { return int(el.tid.Load()) }

// InLoop reports whether the caller executes on the loop's thread.
func (el *EventLoop) InLoop() bool {
	tid := el.tid.Load()
	return tid != 0 && tid == int64(gettid())
}

// Run dispatches until a stop request is executed. It blocks the calling
// goroutine, locked to its OS thread, and returns ErrLoopRunning when the
// loop is already being run. A loop may be run again after Run returns.
func (el *EventLoop) Run() error {
	el.mu.Lock()
	switch {
	case el.closed:
		el.mu.Unlock()
		return ErrLoopClosed
	case el.running:
		el.mu.Unlock()
		return ErrLoopRunning
	}
	el.running = true
	el.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	el.tid.Store(int64(gettid()))
	el.state.Store(int32(StateRunning))
	el.log.Debug("event loop started", zap.Int("tid", el.ThreadID()))

	var err error
	for !el.breaking {
		if err = el.poll(); err != nil {
			break
		}
		el.expireTimers(time.Now())
		el.runTasks()
	}
	broke := el.breaking
	el.breaking = false
	el.tid.Store(0)
	el.state.Store(int32(StateIdle))

	el.mu.Lock()
	el.running = false
	if broke || err != nil {
		el.stopsPending = 0
	}
	el.exited.Broadcast()
	el.mu.Unlock()

	if err != nil {
		el.log.Error("event loop aborted", zap.Error(err))
		return err
	}
	el.log.Debug("event loop exited")
	return nil
}

// Post enqueues fn to run on the loop thread. Tasks run in enqueue order.
// Safe for concurrent use; the poller is woken only when the queue goes
// from empty to non-empty. Tasks posted while the loop is idle run on the
// next Run.
func (el *EventLoop) Post(fn func()) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return ErrLoopClosed
	}
	wake := el.tasks.Length() == 0
	el.tasks.Add(fn)
	// woken under mu: Close releases the eventfd only after setting closed
	if wake {
		return el.poller.Wake()
	}
	return nil
}

// RequestStop posts a loop break. Tasks queued before it still run; the
// loop returns from Run once the batch containing the break is done.
func (el *EventLoop) RequestStop() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return ErrLoopClosed
	}
	el.stopsPending++
	wake := el.tasks.Length() == 0
	el.tasks.Add(el.breakLoop)
	if wake {
		return el.poller.Wake()
	}
	return nil
}

func (el *EventLoop) breakLoop() {
	el.breaking = true
	el.state.Store(int32(StateStopping))
}

// AwaitExit blocks until the loop is not running and every stop requested
// so far has been honoured. After RequestStop on a loop that has not been
// started yet, it waits for the Run that consumes the request.
func (el *EventLoop) AwaitExit() {
	el.mu.Lock()
	for el.running || el.stopsPending > 0 {
		el.exited.Wait()
	}
	el.mu.Unlock()
}

// Pending returns the number of queued tasks.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.tasks.Length()
}

// Close releases the poller. The loop must not be running.
func (el *EventLoop) Close() error {
	el.mu.Lock()
	if el.running {
		el.mu.Unlock()
		return ErrLoopRunning
	}
	if el.closed {
		el.mu.Unlock()
		return nil
	}
	el.closed = true
	el.mu.Unlock()
	return el.poller.Close()
}

func (el *EventLoop) poll() error {
	timeout := time.Duration(-1)
	if d, ok := el.timers.next(); ok {
		timeout = max(time.Until(d), 0)
	}
	n, err := el.poller.Wait(el.events, timeout)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ev := el.events[i]
		// a callback earlier in this batch may have cancelled it
		if r, ok := el.regs[ev.Fd]; ok {
			el.dispatch(r, ev.Events)
		}
	}
	return nil
}

func (el *EventLoop) expireTimers(now time.Time) {
	for {
		r := el.timers.popExpired(now)
		if r == nil {
			return
		}
		r.deadline = time.Time{}
		el.dispatch(r, api.EventTimeout)
	}
}

func (el *EventLoop) runTasks() {
	el.mu.Lock()
	el.tasks, el.spare = el.spare, el.tasks
	el.mu.Unlock()

	for el.spare.Length() > 0 {
		fn := el.spare.Remove().(func())
		el.safeRun(fn)
	}
}

func (el *EventLoop) dispatch(r *Registration, ev api.Event) {
	if !r.active {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			el.log.Error("registration callback panicked",
				zap.Int("fd", r.fd), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	r.cb(ev)
}

func (el *EventLoop) safeRun(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			el.log.Error("posted task panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	fn()
}

// Registration binds a descriptor to a callback on one loop. Its methods
// must be called from the loop thread, or before the loop is run.
type Registration struct {
	loop     *EventLoop
	fd       int
	interest api.Interest
	cb       api.Callback
	deadline time.Time
	index    int
	active   bool
}

// Register starts watching fd. A positive timeout arms an idle deadline;
// when it passes without Rearm the callback receives api.EventTimeout
// once. Readiness is level-triggered.
func (el *EventLoop) Register(fd int, interest api.Interest, timeout time.Duration, cb api.Callback) (*Registration, error) {
	if _, dup := el.regs[fd]; dup {
		return nil, fmt.Errorf("register fd %d: %w", fd, api.ErrAlreadyExists)
	}
	if err := el.poller.Add(fd, interest); err != nil {
		return nil, fmt.Errorf("register fd %d: %w", fd, err)
	}
	r := &Registration{
		loop:     el,
		fd:       fd,
		interest: interest,
		cb:       cb,
		index:    -1,
		active:   true,
	}
	el.regs[fd] = r
	r.arm(timeout)
	return r, nil
}

// Fd returns the watched descriptor.
func (r *Registration) Fd() int { return r.fd }

// Interest returns the current interest set.
func (r *Registration) Interest() api.Interest { return r.interest }

// Deadline returns the armed idle deadline, zero when none.
func (r *Registration) Deadline() time.Time { return r.deadline }

// Active reports whether the registration has not been cancelled.
func (r *Registration) Active() bool { return r.active }

// Rearm replaces the interest set and restarts the idle deadline.
func (r *Registration) Rearm(interest api.Interest, timeout time.Duration) error {
	if !r.active {
		return ErrRegistrationClosed
	}
	if interest != r.interest {
		if err := r.loop.poller.Modify(r.fd, interest); err != nil {
			return fmt.Errorf("rearm fd %d: %w", r.fd, err)
		}
		r.interest = interest
	}
	r.arm(timeout)
	return nil
}

// Cancel stops watching the descriptor and drops its deadline. The
// descriptor itself is left open. Idempotent.
func (r *Registration) Cancel() error {
	if !r.active {
		return nil
	}
	r.active = false
	delete(r.loop.regs, r.fd)
	r.loop.timers.unschedule(r)
	return r.loop.poller.Delete(r.fd)
}

func (r *Registration) arm(timeout time.Duration) {
	if timeout <= 0 {
		r.loop.timers.unschedule(r)
		return
	}
	r.loop.timers.schedule(r, time.Now().Add(timeout))
}
