package netcore

import (
	"errors"
	"log/slog"
	"time"

	"github.com/billyrubin/netevent/internal/netlog"
	"golang.org/x/sys/unix"
)

// Role is one of the seven comm point roles of spec §3.
type Role int

const (
	RoleUDP Role = iota
	RoleUDPAncil
	RoleTCPAccept
	RoleTCPHandler
	RoleTCPOutbound
	RoleLocalStream
	RoleRaw
)

func (r Role) String() string {
	switch r {
	case RoleUDP:
		return "udp"
	case RoleUDPAncil:
		return "udp-ancil"
	case RoleTCPAccept:
		return "tcp-accept"
	case RoleTCPHandler:
		return "tcp-handler"
	case RoleTCPOutbound:
		return "tcp-outbound"
	case RoleLocalStream:
		return "local-stream"
	case RoleRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ErrorKind is the error_kind argument passed to a callback.
type ErrorKind int

const (
	NetEventNoError ErrorKind = iota
	NetEventClosed
	NetEventTimeout
	// NetEventCapsfail is reserved (0x20-bit DNS cookie/caps failure
	// signaling), not produced by this core — kept for callback contract
	// parity with the original source.
	NetEventCapsfail
)

// ReplyInfo is handed to the callback alongside NetEventNoError, and to
// SendReply/DropReply afterward.
type ReplyInfo struct {
	Addr  unix.Sockaddr
	ancil ancilInfo
	c     *CommPoint
}

// Callback is the user's query handler. Returning true means "the comm
// point's buffer now holds the reply; send it". The return value is
// consulted only for NetEventNoError on UDP and TCP inbound reads.
type Callback func(c *CommPoint, arg any, kind ErrorKind, reply *ReplyInfo) bool

// DefaultUDPBatchSize is NUM_UDP_PER_SELECT from spec §6: the number of
// recvfrom attempts performed per readable wakeup.
const DefaultUDPBatchSize = 100

// TCPQueryTimeout is the default per-connection TCP read/write timeout.
const TCPQueryTimeout = 120 * time.Second

// minDNSMessageSize is the minimum legal DNS message (just the fixed header),
// used by the TCP framing state machine's length-prefix check.
const minDNSMessageSize = 12

// CommPoint is one socket endpoint and its event registration (spec §3).
// Role-specific state lives behind nil-checked pointers rather than a
// separate type per role, so the shared lifecycle (Close/Delete,
// StopListening/StartListening) stays a single set of methods while each
// role only pays for the fields it uses.
type CommPoint struct {
	Role Role
	Arg  any

	base *Base
	log  *slog.Logger
	verb netlog.Verbosity

	fd         int
	buf        *Buffer
	cb         Callback
	timeout    time.Duration
	doNotClose bool
	closed     bool

	registeredEvents EventType

	udpBatch int

	// TCP framing state (TCPHandler, TCPOutbound, LocalStream)
	isReading      bool
	byteCount      int
	lenPrefix      [2]byte
	checkNBConnect bool
	shortOK        bool
	tcpDoClose     bool

	// TCP accept pool (TCPAccept)
	pool *tcpPool

	// TCP handler (TCPHandler)
	parent   *CommPoint
	freeNext *CommPoint

	lastPeer unix.Sockaddr
}

// newCommPoint fills the fields every role shares.
func newCommPoint(base *Base, log *slog.Logger, verb netlog.Verbosity, role Role, fd int, bufsize int, cb Callback, arg any) *CommPoint {
	var buf *Buffer
	if bufsize > 0 {
		buf = NewBuffer(bufsize)
	}
	return &CommPoint{
		Role: role,
		Arg:  arg,
		base: base,
		log:  log,
		verb: verb,
		fd:   fd,
		buf:  buf,
		cb:   cb,
	}
}

// FD returns the underlying file descriptor, -1 when closed.
func (c *CommPoint) FD() int { return c.fd }

// Buffer exposes the comm point's owned byte region (nil for
// ACCEPT/RAW points that don't frame a message).
func (c *CommPoint) Buffer() *Buffer { return c.buf }

// ---- UDP (role UDP) ----

// CreateUDP registers fd for persistent readable notifications and returns
// a plain-UDP comm point (spec §4.2).
func CreateUDP(base *Base, log *slog.Logger, verb netlog.Verbosity, fd int, bufsize int, cb Callback, arg any) (*CommPoint, error) {
	c := newCommPoint(base, log, verb, RoleUDP, fd, bufsize, cb, arg)
	c.udpBatch = DefaultUDPBatchSize
	if err := base.RegisterFD(fd, EventRead, c.onUDPReadable); err != nil {
		return nil, err
	}
	c.registeredEvents = EventRead
	return c, nil
}

// CreateUDPAncil is identical to CreateUDP except it uses recvmsg/sendmsg
// with IP_PKTINFO/IPV6_PKTINFO ancillary data so replies leave via the
// interface that received the query (spec §4.3). fd must already have
// pktinfo receipt enabled (see sockopt.BindUDP(..., wantPktinfo=true)).
func CreateUDPAncil(base *Base, log *slog.Logger, verb netlog.Verbosity, fd int, bufsize int, cb Callback, arg any) (*CommPoint, error) {
	c := newCommPoint(base, log, verb, RoleUDPAncil, fd, bufsize, cb, arg)
	c.udpBatch = DefaultUDPBatchSize
	if err := base.RegisterFD(fd, EventRead, c.onUDPReadable); err != nil {
		return nil, err
	}
	c.registeredEvents = EventRead
	return c, nil
}

// onUDPReadable services up to udpBatch datagrams per wakeup (spec §4.2
// step 2-5), handling both plain and ancillary UDP roles.
func (c *CommPoint) onUDPReadable(fd int, _ EventType) {
	for i := 0; i < c.udpBatch; i++ {
		var n int
		var from unix.Sockaddr
		var info ancilInfo
		var err error

		if c.Role == RoleUDPAncil {
			n, from, info, err = recvmsgAncillary(c.fd, c.buf.Raw())
		} else {
			n, from, err = unix.Recvfrom(c.fd, c.buf.Raw(), 0)
		}

		if err != nil {
			if isRetryable(err) {
				return
			}
			if errors.Is(err, unix.ENETUNREACH) {
				netlog.Noisy(c.log, c.verb, "udp: recv ENETUNREACH", "fd", c.fd)
				return
			}
			c.log.Error("udp: recv failed", "fd", c.fd, "error", err)
			return
		}
		if from == nil {
			return
		}

		c.buf.SetPosition(n)
		c.buf.Flip()

		reply := &ReplyInfo{Addr: from, ancil: info, c: c}
		send := c.cb(c, c.Arg, NetEventNoError, reply)

		if c.fd != fd || c.closed {
			// Callback closed this point, or reused it for another
			// socket: abort the batch (spec §4.2 step 5).
			return
		}

		if send {
			c.sendUDPReply(reply)
		}
		c.buf.Clear()
	}
}

func (c *CommPoint) sendUDPReply(reply *ReplyInfo) {
	data := c.buf.Bytes()
	var err error
	if c.Role == RoleUDPAncil && reply.ancil.srctype != SrctypeNone {
		err = sendmsgAncillary(c.fd, data, reply.Addr, reply.ancil)
	} else if c.Role == RoleUDPAncil {
		err = sendmsgAncillary(c.fd, data, reply.Addr, ancilInfo{})
	} else {
		err = unix.Sendto(c.fd, data, 0, reply.Addr)
	}
	if err != nil {
		if errors.Is(err, unix.ENETUNREACH) {
			netlog.Noisy(c.log, c.verb, "udp: sendto ENETUNREACH", "fd", c.fd)
			return
		}
		c.log.Error("udp: send failed", "fd", c.fd, "error", err)
	}
}

// ---- Local stream (role LocalStream, spec §4.7) ----

// CreateLocalStream wraps a stream socket (e.g. a control channel) in the
// same length-prefix framing as TCP, but with the minimum-length check
// suppressed (short_ok=true) and no write direction: it is purely inbound.
func CreateLocalStream(base *Base, log *slog.Logger, verb netlog.Verbosity, fd int, bufsize int, cb Callback, arg any) (*CommPoint, error) {
	c := newCommPoint(base, log, verb, RoleLocalStream, fd, bufsize, cb, arg)
	c.isReading = true
	c.shortOK = true
	if err := base.RegisterFD(fd, EventRead, c.onTCPEvent); err != nil {
		return nil, err
	}
	c.registeredEvents = EventRead
	return c, nil
}

// ---- Raw (role Raw, spec §4.8) ----

// CreateRaw registers fd for the requested event mask and delivers every
// event (including timeout) straight to cb with no framing.
func CreateRaw(base *Base, log *slog.Logger, verb netlog.Verbosity, fd int, events EventType, cb Callback, arg any) (*CommPoint, error) {
	c := newCommPoint(base, log, verb, RoleRaw, fd, 0, cb, arg)
	if err := base.RegisterFD(fd, events, c.onRawEvent); err != nil {
		return nil, err
	}
	c.registeredEvents = events
	return c, nil
}

func (c *CommPoint) onRawEvent(fd int, ev EventType) {
	kind := NetEventNoError
	if ev&EventTimeout != 0 {
		kind = NetEventTimeout
	}
	c.cb(c, c.Arg, kind, nil)
}

// ---- Reply helpers (spec §6) ----

// SendReply dispatches a prepared reply: ancillary or plain path for UDP
// based on srctype, or re-arms the TCP connection for writing with the
// standard query timeout.
func SendReply(reply *ReplyInfo) {
	c := reply.c
	switch c.Role {
	case RoleUDP, RoleUDPAncil:
		c.sendUDPReply(reply)
	case RoleTCPHandler, RoleTCPOutbound:
		c.byteCount = 0
		c.isReading = false
		_ = c.base.ModifyFD(c.fd, EventWrite)
		c.rearmTimeout()
	}
	// Local-stream comm points never reach SendReply: §4.7 replies are
	// handled out-of-band by the owner.
}

// DropReply is a no-op for UDP and reclaims the handler for TCP.
func DropReply(reply *ReplyInfo) {
	c := reply.c
	switch c.Role {
	case RoleTCPHandler, RoleTCPOutbound:
		c.reclaimQuiet()
	}
}

// ---- Lifecycle ----

// StopListening deregisters the comm point without closing its fd.
func (c *CommPoint) StopListening() error {
	if c.closed {
		return nil
	}
	return c.base.UnregisterFD(c.fd)
}

// StartListening restores the comm point's event mask after StopListening,
// or switches to a different fd/mask if newFD >= 0 / newEvents != 0.
func (c *CommPoint) StartListening(newFD int, newEvents EventType) error {
	if c.closed {
		return errors.New("netcore: start_listening on closed comm point")
	}
	if newFD >= 0 {
		c.fd = newFD
	}
	events := c.registeredEvents
	if newEvents != 0 {
		events = newEvents
	}
	var handler func(fd int, ev EventType)
	switch c.Role {
	case RoleUDP, RoleUDPAncil:
		handler = c.onUDPReadable
	case RoleTCPHandler, RoleTCPOutbound, RoleLocalStream:
		handler = c.onTCPEvent
	case RoleTCPAccept:
		handler = c.onAcceptReadable
	case RoleRaw:
		handler = c.onRawEvent
	}
	if err := c.base.RegisterFD(c.fd, events, handler); err != nil {
		return err
	}
	c.registeredEvents = events
	return nil
}

// Close deregisters the comm point and closes its fd, unless it was marked
// do-not-close.
func (c *CommPoint) Close() {
	if c.closed {
		return
	}
	_ = c.base.UnregisterFD(c.fd)
	if !c.doNotClose && c.fd >= 0 {
		_ = unix.Close(c.fd)
	}
	c.fd = -1
	c.closed = true
}

// Delete releases the comm point's buffer and, for a TCP-accept point, its
// entire preallocated handler pool.
func (c *CommPoint) Delete() {
	if !c.closed {
		c.Close()
	}
	if c.Role == RoleTCPAccept && c.pool != nil {
		c.pool.deleteAll()
	}
	c.buf = nil
}

// MemSize sums the point, its buffer, and for accept points the whole pool,
// O(pool size) (spec §5 memory budget).
func (c *CommPoint) MemSize() int {
	const structOverhead = 128 // rough struct + registration bookkeeping
	size := structOverhead
	if c.buf != nil {
		size += c.buf.Capacity()
	}
	if c.Role == RoleTCPAccept && c.pool != nil {
		size += c.pool.memSize()
	}
	return size
}

func isRetryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
