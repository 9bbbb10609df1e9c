//go:build linux

// File: internal/transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-echo/api"
)

// DefaultBacklog is the listen(2) queue length used when none is given.
const DefaultBacklog = 512

// Listen creates a non-blocking TCP listening socket bound to addr with
// SO_REUSEADDR and, when reusePort is set, SO_REUSEPORT so that several
// loops can each own a listener on the same address.
func Listen(addr string, backlog int, reusePort bool) (int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, api.SetupError("listen: resolve", err).WithContext("addr", addr)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	family, sa := sockaddr(tcp)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, api.SetupError("listen: socket", err).WithContext("addr", addr)
	}
	fail := func(step string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, api.SetupError("listen: "+step, err).WithContext("addr", addr)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("SO_REUSEADDR", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fail("SO_REUSEPORT", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

// Accept takes one pending connection off a listening socket. The new
// descriptor is close-on-exec but still blocking.
func Accept(fd int) (int, error) {
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return nfd, err
	}
}

// LocalAddr returns the bound "host:port" of a socket.
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	}
	return "", api.ErrNotSupported
}

func sockaddr(tcp *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], tcp.IP.To16())
	return unix.AF_INET6, sa
}
