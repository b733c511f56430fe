package netcore

import (
	"log/slog"

	"github.com/billyrubin/netevent/internal/netlog"
	"golang.org/x/sys/unix"
)

// tcpPool is the free-list of preallocated TCP handlers attached to one
// TCP-accept comm point (spec §3, §4.4). Handlers are linked through their
// own freeNext field so the pool itself holds only the slice (for deletion
// and memory accounting) and the stack head.
type tcpPool struct {
	accept   *CommPoint
	handlers []*CommPoint
	free     *CommPoint
	bufsize  int
}

func newTCPPool(accept *CommPoint, n, bufsize int) *tcpPool {
	p := &tcpPool{accept: accept, bufsize: bufsize}
	p.handlers = make([]*CommPoint, n)
	for i := 0; i < n; i++ {
		h := &CommPoint{
			Role:      RoleTCPHandler,
			base:      accept.base,
			log:       accept.log,
			verb:      accept.verb,
			fd:        -1,
			buf:       NewBuffer(bufsize),
			cb:        accept.cb,
			Arg:       accept.Arg,
			parent:    accept,
			isReading: true,
		}
		p.handlers[i] = h
		p.push(h)
	}
	return p
}

// empty reports whether the free-list has no idle handlers (invariant 2:
// empty ⇔ accept fd deregistered).
func (p *tcpPool) empty() bool { return p.free == nil }

func (p *tcpPool) push(h *CommPoint) {
	h.freeNext = p.free
	p.free = h
}

func (p *tcpPool) pop() *CommPoint {
	h := p.free
	if h == nil {
		return nil
	}
	p.free = h.freeNext
	h.freeNext = nil
	return h
}

func (p *tcpPool) memSize() int {
	const perHandlerOverhead = 96
	total := 0
	for _, h := range p.handlers {
		total += perHandlerOverhead
		if h.buf != nil {
			total += h.buf.Capacity()
		}
	}
	return total
}

func (p *tcpPool) deleteAll() {
	for _, h := range p.handlers {
		if h.fd >= 0 {
			_ = h.base.UnregisterFD(h.fd)
			_ = unix.Close(h.fd)
			h.fd = -1
		}
	}
	p.handlers = nil
	p.free = nil
}

// CreateTCP preallocates numHandlers TCP-HANDLER comm points, links them
// into a free-list, and registers listenFD for accept notifications (spec
// §4.4). All handlers share the same callback and argument.
func CreateTCP(base *Base, log *slog.Logger, verb netlog.Verbosity, listenFD, numHandlers, bufsize int, cb Callback, arg any) (*CommPoint, error) {
	accept := newCommPoint(base, log, verb, RoleTCPAccept, listenFD, 0, cb, arg)
	accept.pool = newTCPPool(accept, numHandlers, bufsize)

	if err := base.RegisterFD(listenFD, EventRead, accept.onAcceptReadable); err != nil {
		return nil, err
	}
	accept.registeredEvents = EventRead
	return accept, nil
}

// onAcceptReadable is the TCP accept loop of spec §4.4.
func (c *CommPoint) onAcceptReadable(fd int, _ EventType) {
	if c.pool.empty() {
		// Invariant 2 should already have deregistered the accept fd when
		// the pool emptied; reaching here means it fired anyway.
		c.log.Error("tcp accept: readable with empty handler pool", "fd", c.fd)
		return
	}

	h := c.pool.pop()

	nfd, sa, err := AcceptNonblocking(c.fd)
	if err != nil {
		c.pool.push(h)
		if isAcceptRetryable(err) {
			return
		}
		c.log.Error("tcp accept: accept() failed", "fd", c.fd, "error", err)
		return
	}

	h.fd = nfd
	h.lastPeer = sa
	h.isReading = true
	h.byteCount = 0
	h.buf.Clear()
	h.timeout = TCPQueryTimeout

	if err := c.base.RegisterFD(nfd, EventRead, h.onTCPEvent); err != nil {
		_ = unix.Close(nfd)
		h.fd = -1
		c.pool.push(h)
		c.log.Error("tcp accept: register failed", "fd", nfd, "error", err)
		return
	}
	h.registeredEvents = EventRead
	h.rearmTimeout()

	if c.pool.empty() {
		_ = c.base.UnregisterFD(c.fd) // pause accept
	}
}

func isAcceptRetryable(err error) bool {
	switch err {
	case unix.EINTR, unix.EAGAIN, unix.ECONNABORTED, unix.EPROTO:
		return true
	default:
		return false
	}
}
