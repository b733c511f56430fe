package netcore

import (
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/billyrubin/netevent/internal/netlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) (fd, port int) {
	t.Helper()
	fd, err := ListenTCP("127.0.0.1", 0)
	require.NoError(t, err)
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sa.(*unix.SockaddrInet4).Port
}

// TestTCPHandlerAssemblesFragmentedQuery exercises the READ_LEN/READ_BODY
// framing state machine across several short writes (spec §4.5): the
// handler must not invoke the callback until the full length-prefixed
// message has arrived, and the buffer handed to the callback must start at
// position 0 with the body length as its limit.
func TestTCPHandlerAssemblesFragmentedQuery(t *testing.T) {
	base := newTestBase(t)
	listenFD, port := listenLoopback(t)

	var gotPosition, gotLimit int
	var gotBody string
	cb := func(c *CommPoint, arg any, kind ErrorKind, reply *ReplyInfo) bool {
		buf := c.Buffer()
		gotPosition = buf.Position()
		gotLimit = buf.Limit()
		gotBody = string(buf.Bytes())
		base.Exit()
		return false
	}
	accept, err := CreateTCP(base, slog.Default(), netlog.VerbosityLow, listenFD, 2, 512, cb, nil)
	require.NoError(t, err)
	t.Cleanup(accept.Delete)

	done := make(chan error, 1)
	go func() { done <- base.Dispatch() }()

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body := "hello-from-a-fragmented-write"
	prefix := WriteLenPrefixed(len(body))

	// Dribble the frame out in three writes so the handler must reassemble
	// it across multiple readable wakeups.
	_, err = conn.Write(prefix[:1])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(append([]byte{prefix[1]}, body[:5]...))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte(body[5:]))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never exited")
	}

	require.Equal(t, 0, gotPosition)
	require.Equal(t, len(body), gotLimit)
	require.Equal(t, body, gotBody)
}

// TestTCPHandlerPoolAcceptsAndServesConnection exercises the accept loop's
// pop-from-free-list path of §4.4: a single preallocated handler is enough
// to accept and fully frame one inbound connection.
func TestTCPHandlerPoolAcceptsAndServesConnection(t *testing.T) {
	base := newTestBase(t)
	listenFD, port := listenLoopback(t)

	served := make(chan struct{}, 2)
	cb := func(c *CommPoint, arg any, kind ErrorKind, reply *ReplyInfo) bool {
		served <- struct{}{}
		base.Exit()
		return false // drop_reply path: reclaim without writing back
	}
	accept, err := CreateTCP(base, slog.Default(), netlog.VerbosityLow, listenFD, 1, 256, cb, nil)
	require.NoError(t, err)
	t.Cleanup(accept.Delete)
	require.False(t, accept.pool.empty())

	done := make(chan error, 1)
	go func() { done <- base.Dispatch() }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn1, err := net.DialTimeout("tcp4", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn1.Close()

	prefix := WriteLenPrefixed(12)
	frame := append(prefix[:], make([]byte, 12)...)
	_, err = conn1.Write(frame)
	require.NoError(t, err)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection never served")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never exited")
	}
}

// TestTCPHandlerDrainsQueryBeforeHangup exercises the case where a peer
// writes a complete query and closes its write side in the same instant:
// the resulting wakeup carries EPOLLIN and EPOLLHUP together, and the
// handler must still deliver the buffered query to the callback rather than
// discarding it as a socket error.
func TestTCPHandlerDrainsQueryBeforeHangup(t *testing.T) {
	base := newTestBase(t)
	listenFD, port := listenLoopback(t)

	delivered := make(chan string, 1)
	cb := func(c *CommPoint, arg any, kind ErrorKind, reply *ReplyInfo) bool {
		delivered <- string(c.Buffer().Bytes())
		base.Exit()
		return false
	}
	accept, err := CreateTCP(base, slog.Default(), netlog.VerbosityLow, listenFD, 1, 256, cb, nil)
	require.NoError(t, err)
	t.Cleanup(accept.Delete)

	done := make(chan error, 1)
	go func() { done <- base.Dispatch() }()

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body := "a-complete-query"
	prefix := WriteLenPrefixed(len(body))
	frame := append(prefix[:], []byte(body)...)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	// Half-close the write side right after the full frame: the handler's
	// next wakeup sees EPOLLIN (the frame) and EPOLLHUP (the half-close)
	// together.
	tcpConn := conn.(*net.TCPConn)
	require.NoError(t, tcpConn.CloseWrite())

	select {
	case got := <-delivered:
		require.Equal(t, body, got)
	case <-time.After(2 * time.Second):
		t.Fatal("query was never delivered to the callback")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never exited")
	}
}

// TestTCPOutboundRefusedConnectReclaimsQuietly exercises §4.5's nonblocking
// connect table: ECONNREFUSED on the first writable event closes and
// reclaims the outbound comm point without invoking the callback.
func TestTCPOutboundRefusedConnectReclaimsQuietly(t *testing.T) {
	base := newTestBase(t)

	// Bind a listener, then close it: reserves a port almost certainly
	// refusing new connections for the duration of the test.
	closedFD, port := listenLoopback(t)
	require.NoError(t, unix.Close(closedFD))

	cbCalled := false
	cb := func(c *CommPoint, arg any, kind ErrorKind, reply *ReplyInfo) bool {
		cbCalled = true
		return false
	}
	out := CreateTCPOutbound(base, slog.Default(), netlog.VerbosityLow, 256, cb, nil)

	fd, err := DialTCPOutboundNonblocking("127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, out.AttachOutboundFD(fd))

	base.AddTimer(500*time.Millisecond, base.Exit)
	require.NoError(t, base.Dispatch())

	require.False(t, cbCalled)
	require.Equal(t, -1, out.FD())
}
