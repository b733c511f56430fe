package netcore

import (
	"log/slog"

	"github.com/billyrubin/netevent/internal/netlog"
	"golang.org/x/sys/unix"
)

// CreateTCPOutbound creates a TCP-outbound comm point with fd=-1; the
// caller assigns a connected non-blocking fd via AttachOutboundFD once it
// has one (spec §4.6).
func CreateTCPOutbound(base *Base, log *slog.Logger, verb netlog.Verbosity, bufsize int, cb Callback, arg any) *CommPoint {
	c := newCommPoint(base, log, verb, RoleTCPOutbound, -1, bufsize, cb, arg)
	c.checkNBConnect = true
	c.isReading = false
	return c
}

// AttachOutboundFD assigns a connected (possibly still-connecting)
// non-blocking fd to an outbound comm point and starts listening for
// writability, per spec §4.6.
func (c *CommPoint) AttachOutboundFD(fd int) error {
	if c.Role != RoleTCPOutbound {
		panic("netcore: AttachOutboundFD on non-outbound comm point")
	}
	c.fd = fd
	c.closed = false
	c.timeout = TCPQueryTimeout
	if err := c.base.RegisterFD(fd, EventWrite, c.onTCPEvent); err != nil {
		return err
	}
	c.registeredEvents = EventWrite
	return c.base.SetTimeout(fd, c.timeout)
}

// onTCPEvent is the shared dispatch point for TCP-handler, TCP-outbound,
// and local-stream comm points: timeout, nonblocking-connect completion,
// then the read/write framing state machine (spec §4.5).
func (c *CommPoint) onTCPEvent(fd int, ev EventType) {
	if ev&EventTimeout != 0 {
		c.reclaimSurface(NetEventTimeout)
		return
	}

	if c.checkNBConnect {
		c.checkNBConnect = false
		if !c.finishNonblockingConnect() {
			return
		}
		// Connected: the next level-triggered writable wakeup performs
		// the actual write.
		return
	}

	if c.isReading {
		// Drain before surfacing EPOLLERR/EPOLLHUP: a peer that finishes
		// writing a full query and closes in the same instant reports
		// EPOLLIN|EPOLLHUP together, and the query is still sitting in
		// the socket's receive buffer, answerable. doTCPRead's own
		// read() will surface a real error or EOF once there's nothing
		// left to drain.
		c.doTCPRead()
		return
	}

	if ev&EventError != 0 {
		c.log.Error("tcp: socket error event", "fd", c.fd, "role", c.Role.String())
		c.reclaimSurface(NetEventClosed)
		return
	}

	c.doTCPWrite()
}

// finishNonblockingConnect handles the first writable event on a
// TCP-outbound comm point by consulting SO_ERROR (spec §4.5 "Nonblocking
// connect"). Returns true once connected; false while the connect is still
// in progress or if the comm point was reclaimed.
func (c *CommPoint) finishNonblockingConnect() bool {
	errno, err := SOError(c.fd)
	if err != nil {
		c.log.Error("tcp: SO_ERROR lookup failed", "fd", c.fd, "error", err)
		c.reclaimQuiet()
		return false
	}
	if errno == 0 {
		return true
	}

	e := unix.Errno(errno)
	switch e {
	case unix.EINPROGRESS, unix.EWOULDBLOCK:
		c.checkNBConnect = true // still connecting, retry on next writable
		return false
	case unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.EHOSTDOWN:
		netlog.Noisy(c.log, c.verb, "tcp: nonblocking connect failed", "fd", c.fd, "errno", e)
		c.reclaimQuiet()
		return false
	default:
		c.log.Error("tcp: nonblocking connect failed", "fd", c.fd, "errno", e)
		c.reclaimQuiet()
		return false
	}
}

// rearmTimeout resets the fd's deadline to the full query timeout whenever
// the handler makes progress, mirroring the original source's EV_PERSIST
// timeout (which resets on every event rather than only at role
// transitions). A zero c.timeout means this comm point was never given a
// deadline (e.g. local-stream), so there is nothing to re-arm.
func (c *CommPoint) rearmTimeout() {
	if c.timeout > 0 {
		_ = c.base.SetTimeout(c.fd, c.timeout)
	}
}

// doTCPRead advances the READ_LEN / READ_BODY states of spec §4.5.
func (c *CommPoint) doTCPRead() {
	if c.byteCount < 2 {
		n, err := unix.Read(c.fd, c.lenPrefix[c.byteCount:2])
		if !c.handleReadResult(n, err) {
			return
		}
		c.rearmTimeout()
		c.byteCount += n
		if c.byteCount < 2 {
			return // prefix still incomplete, wait for more
		}

		prefix := int(ReadLenPrefixed(c.lenPrefix[:]))
		if prefix > c.buf.Capacity() {
			c.log.Warn("tcp: length prefix exceeds buffer capacity", "fd", c.fd, "prefix", prefix)
			c.reclaimQuiet()
			return
		}
		if !c.shortOK && prefix < minDNSMessageSize {
			c.log.Warn("tcp: length prefix below minimum message size", "fd", c.fd, "prefix", prefix)
			c.reclaimQuiet()
			return
		}
		c.buf.Clear()
		c.buf.SetLimit(prefix)
	}

	if c.buf.Position() < c.buf.Limit() {
		n, err := unix.Read(c.fd, c.buf.Raw()[c.buf.Position():c.buf.Limit()])
		if !c.handleReadResult(n, err) {
			return
		}
		c.rearmTimeout()
		c.buf.Advance(n)
		c.byteCount += n
	}

	if c.buf.Position() < c.buf.Limit() {
		return // body still incomplete, wait for more
	}

	// READ_BODY complete: flip to read mode and hand off to the callback.
	c.buf.Flip()
	reply := &ReplyInfo{Addr: c.lastPeer, c: c}
	send := c.cb(c, c.Arg, NetEventNoError, reply)
	if c.Role == RoleLocalStream {
		// Purely inbound: stay registered for read and frame the next
		// message; replies are the owner's business.
		if !c.closed {
			c.byteCount = 0
			c.buf.Clear()
		}
		return
	}
	if send {
		c.byteCount = 0
		c.isReading = false
		_ = c.base.ModifyFD(c.fd, EventWrite)
		c.rearmTimeout()
		return
	}
	c.reclaimQuiet()
}

// handleReadResult applies the per-recv error policy of spec §4.5's table.
// Returns true if n is a valid byte count the caller should account for;
// false means the caller must return immediately (either to wait for a
// retry, or because the handler was reclaimed).
func (c *CommPoint) handleReadResult(n int, err error) bool {
	if err != nil {
		if isRetryable(err) {
			return false
		}
		if err == unix.ECONNRESET {
			netlog.Noisy(c.log, c.verb, "tcp: connection reset", "fd", c.fd)
			c.reclaimQuiet()
			return false
		}
		c.log.Error("tcp: read failed", "fd", c.fd, "error", err)
		c.reclaimSurface(NetEventClosed)
		return false
	}
	if n == 0 {
		c.reclaimSurface(NetEventClosed)
		return false
	}
	return true
}

// doTCPWrite advances the WRITE_LEN / WRITE_BODY states of spec §4.5,
// using writev to send the (rest of the) length prefix and the payload
// together while the prefix is not yet fully sent.
func (c *CommPoint) doTCPWrite() {
	bodyLen := c.buf.Limit()
	total := 2 + bodyLen

	var n int
	var err error
	if c.byteCount < 2 {
		iovs := [][]byte{c.lenPrefixBytes(bodyLen)[c.byteCount:2]}
		if bodyLen > 0 {
			iovs = append(iovs, c.buf.Raw()[0:bodyLen])
		}
		n, err = unix.Writev(c.fd, iovs)
	} else {
		off := c.byteCount - 2
		n, err = unix.Write(c.fd, c.buf.Raw()[off:bodyLen])
	}

	if err != nil {
		if isRetryable(err) {
			return
		}
		c.log.Error("tcp: write failed", "fd", c.fd, "error", err)
		c.reclaimSurface(NetEventClosed)
		return
	}
	if n <= 0 {
		c.log.Error("tcp: zero-length write treated as error", "fd", c.fd)
		c.reclaimSurface(NetEventClosed)
		return
	}

	c.rearmTimeout()
	c.byteCount += n
	if c.byteCount < total {
		return // partial write, wait for next writable event
	}

	c.buf.Clear()
	c.byteCount = 0

	switch c.Role {
	case RoleTCPOutbound:
		// Per design note §9's open question, an outbound handler's write
		// completion re-enables read listening: it expects a framed
		// response on the same connection.
		c.isReading = true
		_ = c.base.ModifyFD(c.fd, EventRead)
		c.rearmTimeout()
	default:
		// Inbound TCP handlers serve exactly one query then are reclaimed
		// (spec §1 Non-goals: no keep-alive across multiple queries).
		c.reclaimQuiet()
	}
}

// lenPrefixBytes recomputes the length-prefix scratch the first time this
// handler writes (byteCount==0), and returns the existing one on a partial
// write's continuation.
func (c *CommPoint) lenPrefixBytes(bodyLen int) *[2]byte {
	if c.byteCount == 0 {
		c.lenPrefix = WriteLenPrefixed(bodyLen)
	}
	return &c.lenPrefix
}


// reclaimSurface closes the handler, returns it to its parent's free-list
// (or simply closes it for non-pooled roles), and — unless the handler was
// flagged tcp_do_close — calls the user callback with a null reply
// descriptor to surface the closure/timeout (spec §4.5).
func (c *CommPoint) reclaimSurface(kind ErrorKind) {
	if !c.tcpDoClose {
		c.cb(c, c.Arg, kind, nil)
	}
	c.closeAndFree()
}

// reclaimQuiet closes the handler and returns it to the free-list without
// an additional callback invocation: used when the callback already ran
// this cycle (false return, drop_reply) or the condition isn't an error
// worth surfacing (malformed length prefix, refused nonblocking connect).
func (c *CommPoint) reclaimQuiet() {
	c.closeAndFree()
}

func (c *CommPoint) closeAndFree() {
	if c.closed {
		return
	}
	_ = c.base.UnregisterFD(c.fd)
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
	}
	c.fd = -1
	c.isReading = true
	c.byteCount = 0

	if c.parent != nil {
		parent := c.parent
		wasEmpty := parent.pool.empty()
		parent.pool.push(c)
		if wasEmpty {
			_ = c.base.RegisterFD(parent.fd, EventRead, parent.onAcceptReadable)
		}
		return
	}
	c.closed = true
}
