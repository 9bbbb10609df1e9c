// File: core/concurrency/workerpool.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerPool runs tasks on a fixed set of OS-thread-locked workers, pulling
// from P FIFO queues where priority 0 is served first. Shutdown drains every
// queue before the workers exit and Close joins them all.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// WorkerPool is a fixed-size priority worker pool.
type WorkerPool struct {
	mu       sync.Mutex
	work     *sync.Cond
	queues   []*queue.Queue // one FIFO of func() per priority
	stopping bool
	wg       sync.WaitGroup

	threads  int
	affinity bool
	log      *zap.Logger
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolLogger sets the logger. Defaults to a no-op logger.
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *WorkerPool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithCPUAffinity pins worker i to CPU i modulo the CPU count.
func WithCPUAffinity(enable bool) PoolOption {
	return func(p *WorkerPool) { p.affinity = enable }
}

// NewWorkerPool starts threads workers over priorities queues.
func NewWorkerPool(threads, priorities int, opts ...PoolOption) (*WorkerPool, error) {
	if threads < 1 || priorities < 1 {
		return nil, ErrInvalidWorkerCount
	}
	p := &WorkerPool{
		queues:  make([]*queue.Queue, priorities),
		threads: threads,
		log:     zap.NewNop(),
	}
	p.work = sync.NewCond(&p.mu)
	for i := range p.queues {
		p.queues[i] = queue.New()
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p, nil
}

// Threads returns the worker count.
func (p *WorkerPool) Threads() int { return p.threads }

// Priorities returns the number of priority levels.
func (p *WorkerPool) Priorities() int { return len(p.queues) }

// Submit enqueues fn at priority and returns a future for its outcome.
// A returned error or a panic inside fn is captured by the future.
func Submit[T any](p *WorkerPool, priority int, fn func() (T, error)) (*Future[T], error) {
	f := newFuture[T]()
	if err := p.enqueue(priority, func() { f.run(fn) }); err != nil {
		return nil, err
	}
	return f, nil
}

// Go enqueues fn at priority without a future. Panics are logged.
func (p *WorkerPool) Go(priority int, fn func()) error {
	return p.enqueue(priority, func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("pool task panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		fn()
	})
}

func (p *WorkerPool) enqueue(priority int, job func()) error {
	if priority < 0 || priority >= len(p.queues) {
		return ErrInvalidPriority
	}
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queues[priority].Add(job)
	p.mu.Unlock()
	p.work.Signal()
	return nil
}

// Pending returns the number of queued, not yet started tasks.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += q.Length()
	}
	return n
}

// Close rejects new submissions, lets workers drain every queue and waits
// for all of them to exit. Idempotent. Must not be called from a task.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.work.Broadcast()
	p.wg.Wait()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	if err := pinCurrentThread(id, p.affinity); err != nil {
		p.log.Warn("cpu pinning failed", zap.Int("worker", id), zap.Error(err))
	}
	defer unpinCurrentThread()

	for {
		p.mu.Lock()
		for !p.stopping && p.allEmpty() {
			p.work.Wait()
		}
		if p.allEmpty() {
			// stopping and nothing left in any queue
			p.mu.Unlock()
			return
		}
		job := p.next()
		p.mu.Unlock()
		job()
	}
}

func (p *WorkerPool) allEmpty() bool {
	for _, q := range p.queues {
		if q.Length() > 0 {
			return false
		}
	}
	return true
}

func (p *WorkerPool) next() func() {
	for _, q := range p.queues {
		if q.Length() > 0 {
			return q.Remove().(func())
		}
	}
	return nil
}
