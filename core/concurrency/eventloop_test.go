//go:build linux

package concurrency_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/core/concurrency"
)

func newLoop(t *testing.T) *concurrency.EventLoop {
	t.Helper()
	el, err := concurrency.NewEventLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Close() })
	return el
}

// startLoop runs el on its own goroutine and waits until it dispatches.
func startLoop(t *testing.T, el *concurrency.EventLoop) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	started := make(chan struct{})
	go func() { errCh <- el.Run() }()
	require.NoError(t, el.Post(func() { close(started) }))
	<-started
	return errCh
}

func stopLoop(t *testing.T, el *concurrency.EventLoop, errCh <-chan error) {
	t.Helper()
	require.NoError(t, el.RequestStop())
	el.AwaitExit()
	require.NoError(t, <-errCh)
	assert.Equal(t, concurrency.StateIdle, el.State())
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPostRunsOnLoopThread(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	errCh := startLoop(t, el)

	var calls atomic.Int32
	done := make(chan bool, 1)
	require.NoError(t, el.Post(func() {
		calls.Add(1)
		done <- el.InLoop() && el.ThreadID() == unix.Gettid()
	}))
	assert.True(t, <-done)
	assert.False(t, el.InLoop())

	stopLoop(t, el, errCh)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, el.ThreadID())
}

func TestPostOrderAcrossIdleLoop(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)

	var seen []int
	for i := 0; i < 1000; i++ {
		require.NoError(t, el.Post(func() { seen = append(seen, i) }))
	}
	assert.Equal(t, 1000, el.Pending())
	require.NoError(t, el.RequestStop())

	// runs on the test goroutine and returns once the break executes
	require.NoError(t, el.Run())
	require.Len(t, seen, 1000)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestConcurrentPostersKeepTheirOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	errCh := startLoop(t, el)

	const producers, perProducer = 8, 500
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	var ordered atomic.Bool
	ordered.Store(true)
	var wg sync.WaitGroup
	wg.Add(producers * perProducer)
	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				err := el.Post(func() {
					if last[p] != i-1 {
						ordered.Store(false)
					}
					last[p] = i
					wg.Done()
				})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()
	stopLoop(t, el, errCh)
	assert.True(t, ordered.Load())
}

func TestRunIsNotReentrant(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	errCh := startLoop(t, el)
	assert.Equal(t, concurrency.StateRunning, el.State())
	assert.ErrorIs(t, el.Run(), concurrency.ErrLoopRunning)
	assert.ErrorIs(t, el.Close(), concurrency.ErrLoopRunning)
	stopLoop(t, el, errCh)
}

func TestLoopCanRunAgain(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	for round := 0; round < 3; round++ {
		errCh := startLoop(t, el)
		stopLoop(t, el, errCh)
	}
}

func TestAwaitExitWaitsForRun(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)

	// idle loop with nothing requested: returns at once
	el.AwaitExit()

	require.NoError(t, el.RequestStop())
	exited := make(chan struct{})
	go func() {
		el.AwaitExit()
		close(exited)
	}()
	select {
	case <-exited:
		t.Fatal("AwaitExit returned before the loop ran")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, el.Run())
	<-exited
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	errCh := startLoop(t, el)

	require.NoError(t, el.Post(func() { panic("task failure") }))
	done := make(chan struct{})
	require.NoError(t, el.Post(func() { close(done) }))
	<-done
	stopLoop(t, el, errCh)
}

func TestPostAfterClose(t *testing.T) {
	el, err := concurrency.NewEventLoop()
	require.NoError(t, err)
	require.NoError(t, el.Close())
	assert.ErrorIs(t, el.Post(func() {}), concurrency.ErrLoopClosed)
	assert.ErrorIs(t, el.RequestStop(), concurrency.ErrLoopClosed)
	assert.ErrorIs(t, el.Run(), concurrency.ErrLoopClosed)
	assert.NoError(t, el.Close())
}

func TestPostRacingClose(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for round := 0; round < 50; round++ {
		el, err := concurrency.NewEventLoop()
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					if err := el.Post(func() {}); err != nil {
						assert.ErrorIs(t, err, concurrency.ErrLoopClosed)
						return
					}
				}
			}()
		}
		require.NoError(t, el.Close())
		wg.Wait()
		assert.ErrorIs(t, el.Post(func() {}), concurrency.ErrLoopClosed)
	}
}

func TestRegistrationReadable(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	a, b := socketpair(t)

	got := make(chan string, 1)
	_, err := el.Register(a, api.Readable, 0, func(ev api.Event) {
		buf := make([]byte, 16)
		n, _ := unix.Read(a, buf)
		got <- string(buf[:n])
	})
	require.NoError(t, err)
	_, err = el.Register(a, api.Readable, 0, func(api.Event) {})
	assert.ErrorIs(t, err, api.ErrAlreadyExists)

	errCh := startLoop(t, el)
	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", <-got)
	stopLoop(t, el, errCh)
}

func TestRegistrationIdleTimeoutFiresOnce(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	a, _ := socketpair(t)

	var timeouts atomic.Int32
	_, err := el.Register(a, api.Readable, 20*time.Millisecond, func(ev api.Event) {
		if ev.Has(api.EventTimeout) {
			timeouts.Add(1)
		}
	})
	require.NoError(t, err)

	errCh := startLoop(t, el)
	require.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), timeouts.Load())
	stopLoop(t, el, errCh)
}

func TestRearmRestartsDeadline(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	a, b := socketpair(t)

	var timedOutAt atomic.Int64
	start := time.Now()
	var reg *concurrency.Registration
	reg, err := el.Register(a, api.Readable, 50*time.Millisecond, func(ev api.Event) {
		if ev.Has(api.EventTimeout) {
			timedOutAt.Store(int64(time.Since(start)))
			return
		}
		buf := make([]byte, 16)
		_, _ = unix.Read(a, buf)
		_ = reg.Rearm(api.Readable, 50*time.Millisecond)
	})
	require.NoError(t, err)
	errCh := startLoop(t, el)

	// keep the connection busy past the first deadline
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		_, err := unix.Write(b, []byte{'x'})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return timedOutAt.Load() != 0 }, time.Second, 5*time.Millisecond)
	assert.Greater(t, time.Duration(timedOutAt.Load()), 100*time.Millisecond)
	stopLoop(t, el, errCh)
}

func TestCancelStopsDelivery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	a, b := socketpair(t)

	var calls atomic.Int32
	reg, err := el.Register(a, api.Readable, 10*time.Millisecond, func(api.Event) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, reg.Cancel())
	require.NoError(t, reg.Cancel())
	assert.False(t, reg.Active())
	assert.ErrorIs(t, reg.Rearm(api.Writable, 0), concurrency.ErrRegistrationClosed)

	errCh := startLoop(t, el)
	_, err = unix.Write(b, []byte("ignored"))
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	stopLoop(t, el, errCh)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRearmSwitchesInterest(t *testing.T) {
	defer leaktest.AfterTest(t)()
	el := newLoop(t)
	a, _ := socketpair(t)

	writable := make(chan struct{})
	var once sync.Once
	var reg *concurrency.Registration
	errCh := startLoop(t, el)
	require.NoError(t, el.Post(func() {
		var err error
		reg, err = el.Register(a, api.Readable, 0, func(ev api.Event) {
			if ev.Has(api.EventWrite) {
				once.Do(func() { close(writable) })
				_ = reg.Cancel()
			}
		})
		if assert.NoError(t, err) {
			assert.NoError(t, reg.Rearm(api.Writable, 0))
		}
	}))
	<-writable
	stopLoop(t, el, errCh)
}
