package concurrency_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-echo/core/concurrency"
)

func TestWorkerPoolInvalidArgs(t *testing.T) {
	_, err := concurrency.NewWorkerPool(0, 1)
	assert.ErrorIs(t, err, concurrency.ErrInvalidWorkerCount)
	_, err = concurrency.NewWorkerPool(1, 0)
	assert.ErrorIs(t, err, concurrency.ErrInvalidWorkerCount)

	p, err := concurrency.NewWorkerPool(1, 2)
	require.NoError(t, err)
	defer p.Close()
	assert.ErrorIs(t, p.Go(2, func() {}), concurrency.ErrInvalidPriority)
	assert.ErrorIs(t, p.Go(-1, func() {}), concurrency.ErrInvalidPriority)
}

func TestWorkerPoolFuture(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(2, 1)
	require.NoError(t, err)
	defer p.Close()

	f, err := concurrency.Submit(p, 0, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	g, err := concurrency.Submit(p, 0, func() (string, error) { return "", boom })
	require.NoError(t, err)
	_, err = g.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWorkerPoolPanicCaptured(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(1, 1)
	require.NoError(t, err)
	defer p.Close()

	f, err := concurrency.Submit(p, 0, func() (int, error) { panic("bad task") })
	require.NoError(t, err)
	_, err = f.Get()
	var pe *concurrency.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad task", pe.Value)

	// the worker survived
	g, err := concurrency.Submit(p, 0, func() (bool, error) { return true, nil })
	require.NoError(t, err)
	ok, err := g.Get()
	require.NoError(t, err)
	assert.True(t, ok)

	// fire-and-forget panics do not kill the worker either
	require.NoError(t, p.Go(0, func() { panic("again") }))
	h, err := concurrency.Submit(p, 0, func() (int, error) { return 1, nil })
	require.NoError(t, err)
	_, err = h.Get()
	assert.NoError(t, err)
}

func TestWorkerPoolPriorityOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(1, 2)
	require.NoError(t, err)
	defer p.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, p.Go(0, func() {
		close(started)
		<-gate
	}))
	<-started

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	require.NoError(t, p.Go(1, record("A")))
	require.NoError(t, p.Go(0, record("B")))
	require.NoError(t, p.Go(1, record("C")))
	require.NoError(t, p.Go(0, record("D")))
	assert.Equal(t, 4, p.Pending())
	close(gate)

	f, err := concurrency.Submit(p, 1, func() (struct{}, error) { return struct{}{}, nil })
	require.NoError(t, err)
	_, _ = f.Get()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "D", "A", "C"}, order)
}

func TestWorkerPoolCloseDrainsAllQueues(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(2, 3)
	require.NoError(t, err)

	gate := make(chan struct{})
	var blocked sync.WaitGroup
	for i := 0; i < 2; i++ {
		blocked.Add(1)
		require.NoError(t, p.Go(0, func() {
			blocked.Done()
			<-gate
		}))
	}
	blocked.Wait()

	var ran atomic.Int32
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Go(i%3, func() { ran.Add(1) }))
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	// submissions are rejected once shutdown has begun
	require.Eventually(t, func() bool {
		return errors.Is(p.Go(0, func() {}), concurrency.ErrPoolClosed)
	}, time.Second, time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned while workers were still busy")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	<-closed
	assert.Equal(t, int32(30), ran.Load())
	assert.Equal(t, 0, p.Pending())

	_, err = concurrency.Submit(p, 0, func() (int, error) { return 0, nil })
	assert.ErrorIs(t, err, concurrency.ErrPoolClosed)
	p.Close()
}

func TestWorkerPoolConcurrentSubmit(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(4, 2)
	require.NoError(t, err)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.NoError(t, p.Go((g+i)%2, func() { ran.Add(1) }))
			}
		}(g)
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, int64(1600), ran.Load())
}

func TestFutureWaitContext(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(1, 1)
	require.NoError(t, err)
	defer p.Close()

	gate := make(chan struct{})
	f, err := concurrency.Submit(p, 0, func() (int, error) {
		<-gate
		return 7, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-f.Done()
	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureResultPolls(t *testing.T) {
	defer leaktest.AfterTest(t)()
	p, err := concurrency.NewWorkerPool(1, 1)
	require.NoError(t, err)
	defer p.Close()

	gate := make(chan struct{})
	f, err := concurrency.Submit(p, 0, func() (int, error) {
		<-gate
		return 9, nil
	})
	require.NoError(t, err)

	v, err, ok := f.Result()
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Zero(t, v)

	close(gate)
	<-f.Done()
	v, err, ok = f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}
