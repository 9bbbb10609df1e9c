//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller with an eventfd(2) wakeup channel.

package reactor

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-echo/api"
)

// epollPoller is a level-triggered epoll instance. The wakeup eventfd is
// registered alongside user descriptors and filtered out of Wait results.
type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent // scratch for Wait, loop-thread only
	closed atomic.Bool
}

// NewPoller constructs the epoll poller for Linux.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.SetupError("reactor: epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, api.SetupError("reactor: eventfd", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, api.SetupError("reactor: register wakeup", err)
	}
	return &epollPoller{epfd: epfd, wakefd: wakefd}, nil
}

func (p *epollPoller) Add(fd int, interest api.Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, interest api.Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Delete(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	// one extra slot for the wakeup descriptor
	if want := len(events) + 1; cap(p.raw) < want {
		p.raw = make([]unix.EpollEvent, want)
	}
	raw := p.raw[:len(events)+1]

	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		// level-triggered: anything dropped here is reported again
		if out == len(events) {
			continue
		}
		events[out] = Event{Fd: fd, Events: fromEpoll(raw[i].Events)}
		out++
	}
	return out, nil
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakefd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// counter saturated: a wakeup is already pending
			return nil
		default:
			return err
		}
	}
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
	}
}

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}

func toEpoll(interest api.Interest) uint32 {
	var ev uint32
	if interest&api.Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&api.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) api.Event {
	var out api.Event
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		out |= api.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= api.EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		out |= api.EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		out |= api.EventHangup
	}
	return out
}
