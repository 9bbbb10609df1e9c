//go:build linux

package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-echo/api"
	"github.com/momentics/hioload-echo/internal/transport"
)

func listen(t *testing.T, addr string, reusePort bool) (int, string) {
	t.Helper()
	fd, err := transport.Listen(addr, 0, reusePort)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close(fd) })
	bound, err := transport.LocalAddr(fd)
	require.NoError(t, err)
	return fd, bound
}

func acceptEventually(t *testing.T, lfd int) int {
	t.Helper()
	var fd int
	require.Eventually(t, func() bool {
		var err error
		fd, err = transport.Accept(lfd)
		return err == nil
	}, 2*time.Second, time.Millisecond)
	t.Cleanup(func() { _ = transport.Close(fd) })
	return fd
}

func TestListenAcceptRoundTrip(t *testing.T) {
	lfd, addr := listen(t, "127.0.0.1:0", false)

	// nothing pending on a non-blocking listener
	_, err := transport.Accept(lfd)
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fd := acceptEventually(t, lfd)
	require.NoError(t, transport.SetNonblock(fd))
	require.NoError(t, transport.SetNoDelay(fd))

	buf := make([]byte, 64)
	_, err = transport.Recv(fd, buf)
	assert.True(t, transport.IsTransient(err))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	var n int
	require.Eventually(t, func() bool {
		n, err = transport.Recv(fd, buf)
		return err == nil
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(buf[:n]))

	n, err = transport.Send(fd, []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	got := make([]byte, 4)
	_, err = conn.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	// orderly close reads as zero bytes
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		n, err = transport.Recv(fd, buf)
		return err == nil && n == 0
	}, 2*time.Second, time.Millisecond)
}

func TestListenReusePort(t *testing.T) {
	_, addr := listen(t, "127.0.0.1:0", true)
	_, again := listen(t, addr, true)
	assert.Equal(t, addr, again)

	_, err := transport.Listen(addr, 0, false)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeSetup, api.CodeOf(err))
}

func TestListenBadAddress(t *testing.T) {
	_, err := transport.Listen("not-an-address", 0, false)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeSetup, api.CodeOf(err))
}

func TestSendToClosedPeer(t *testing.T) {
	lfd, addr := listen(t, "127.0.0.1:0", false)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	fd := acceptEventually(t, lfd)
	require.NoError(t, transport.SetNonblock(fd))

	tcp := conn.(*net.TCPConn)
	require.NoError(t, tcp.SetLinger(0))
	require.NoError(t, conn.Close())

	// a reset peer surfaces as an error, never as SIGPIPE
	require.Eventually(t, func() bool {
		_, err := transport.Send(fd, make([]byte, 1024))
		return err != nil && !transport.IsTransient(err)
	}, 2*time.Second, 5*time.Millisecond)
}
