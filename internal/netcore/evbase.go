package netcore

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// EventType is a bitmask of the readiness conditions a registration cares
// about. Notifications are level-triggered: a readable/writable fd that is
// not drained stays ready on the next wakeup, matching the spec's data
// model (unlike the teacher's epoll loop, which asked for edge-triggered
// EPOLLET — wrong fit here, since comm points deliberately leave a fd
// readable across wakeups whenever a handler defers work).
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventTimeout
	EventError
)

// FDCallback is invoked by the base when a registered fd becomes ready, or
// when its timeout fires. ev carries whichever of EventRead/EventWrite/
// EventTimeout/EventError applies to this wakeup.
type FDCallback func(fd int, ev EventType)

// TimeoutCallback is invoked when a fd-less timer (C5) fires.
type TimeoutCallback func()

type fdReg struct {
	fd       int
	events   EventType
	cb       FDCallback
	deadline time.Time // zero means no timeout
}

type timeoutReg struct {
	id       uint64
	deadline time.Time
	cb       TimeoutCallback
	active   bool
}

// Base owns the OS readiness loop and the cached wall clock. Exactly one
// goroutine may call Dispatch on a given Base; every comm point, timer, and
// signal handler registered against it must be registered from that same
// goroutine (spec invariant: a base is single-threaded).
type Base struct {
	log   *slog.Logger
	epfd  int
	clock *clock

	fds      map[int]*fdReg
	timeouts map[uint64]*timeoutReg
	nextTOID uint64

	exitRequested       bool
	signalHandlingOwner bool // true if this base was created with enableSignalHandling
}

// CreateBase constructs an event base backed by Linux epoll. When
// enableSignalHandling is true this base is allowed to own the process-wide
// signal table (spec §5: "enable_signal_handling=true is permitted on only
// one base per process") — callers must not pass true for more than one
// base.
func CreateBase(log *slog.Logger, enableSignalHandling bool) (*Base, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	b := &Base{
		log:      log,
		epfd:     epfd,
		clock:    newClock(),
		fds:      make(map[int]*fdReg),
		timeouts: make(map[uint64]*timeoutReg),
	}
	if enableSignalHandling {
		if !signalHandlingOwned.CompareAndSwap(false, true) {
			_ = unix.Close(epfd)
			return nil, errors.New("netcore: enableSignalHandling already claimed by another base in this process")
		}
	}
	b.signalHandlingOwner = enableSignalHandling
	return b, nil
}

// SignalHandlingOwner reports whether this base was created with
// enableSignalHandling=true (spec §5: only one base per process may own the
// signal table).
func (b *Base) SignalHandlingOwner() bool { return b.signalHandlingOwner }

// Delete releases the base's epoll fd. Registered comm points must be
// closed by their owners first.
func (b *Base) Delete() {
	_ = unix.Close(b.epfd)
}

// TimeSeconds returns the cached wall-clock time in whole seconds, refreshed
// at the top of every dispatch wakeup.
func (b *Base) TimeSeconds() uint32 { return b.clock.Seconds() }

// TimeNow returns the cached wall-clock time as a full timestamp.
func (b *Base) TimeNow() time.Time { return b.clock.Now() }

// RegisterFD adds fd to the readiness set with the given event mask. Used
// by every comm point role for its initial registration.
func (b *Base) RegisterFD(fd int, events EventType, cb FDCallback) error {
	ev := &unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	b.fds[fd] = &fdReg{fd: fd, events: events, cb: cb}
	return nil
}

// ModifyFD changes the event mask of an already-registered fd (e.g. a TCP
// handler flipping from READ to WRITE per do_toggle_rw).
func (b *Base) ModifyFD(fd int, events EventType) error {
	reg, ok := b.fds[fd]
	if !ok {
		return errors.New("netcore: modify of unregistered fd")
	}
	ev := &unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return err
	}
	reg.events = events
	return nil
}

// UnregisterFD removes fd from the readiness set. Safe to call from within
// the fd's own callback (stop_listening / close-self).
func (b *Base) UnregisterFD(fd int) error {
	if _, ok := b.fds[fd]; !ok {
		return nil
	}
	delete(b.fds, fd)
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// SetTimeout arms or re-arms fd's timeout, independent of its read/write
// registration. A zero duration clears the timeout.
func (b *Base) SetTimeout(fd int, d time.Duration) error {
	reg, ok := b.fds[fd]
	if !ok {
		return errors.New("netcore: timeout on unregistered fd")
	}
	if d <= 0 {
		reg.deadline = time.Time{}
		return nil
	}
	reg.deadline = b.clock.Now().Add(d)
	return nil
}

// AddTimer registers a fd-less one-shot timeout (backs the Timer component,
// C5). Returns an id used to disable/re-arm it.
func (b *Base) AddTimer(d time.Duration, cb TimeoutCallback) uint64 {
	b.nextTOID++
	id := b.nextTOID
	b.timeouts[id] = &timeoutReg{
		id:       id,
		deadline: b.clock.Now().Add(d),
		cb:       cb,
		active:   true,
	}
	return id
}

// DisableTimer deactivates a previously added fd-less timer without firing
// its callback, and drops its entry so a long-running base doesn't
// accumulate one map entry per timer ever armed.
func (b *Base) DisableTimer(id uint64) {
	delete(b.timeouts, id)
}

// ResetTimer re-arms an existing timer id with a new duration (set on an
// already-enabled timer first disables, then re-arms).
func (b *Base) ResetTimer(id uint64, d time.Duration) {
	if t, ok := b.timeouts[id]; ok {
		t.active = true
		t.deadline = b.clock.Now().Add(d)
	}
}

// RemoveTimer drops a fd-less timer entirely (timer deletion).
func (b *Base) RemoveTimer(id uint64) {
	delete(b.timeouts, id)
}

// Exit requests loop termination. Called from inside a callback; Dispatch
// returns as soon as that callback returns, without delivering the rest of
// the current wakeup's events.
func (b *Base) Exit() {
	b.exitRequested = true
}

// Dispatch runs the readiness loop until Exit is called from a callback or
// a fatal I/O error occurs. A fatal error terminates the process — the
// resolver cannot meaningfully continue without its loop (spec §4.1).
func (b *Base) Dispatch() error {
	b.clock.refresh()
	events := make([]unix.EpollEvent, 256)

	for !b.exitRequested {
		timeoutMs := b.nextTimeoutMs()

		n, err := unix.EpollWait(b.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.Error("event base: fatal epoll_wait error", "error", err)
			os.Exit(1)
		}

		b.clock.refresh()

		ready := make(map[int]bool, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ready[fd] = true
			reg, ok := b.fds[fd]
			if !ok {
				continue
			}
			mask := domainMask(events[i].Events)
			reg.cb(fd, mask)
			if b.exitRequested {
				return nil
			}
		}

		b.fireExpiredFDTimeouts(ready)
		b.fireExpiredTimers()

		if b.exitRequested {
			return nil
		}
	}
	return nil
}

func (b *Base) fireExpiredFDTimeouts(ready map[int]bool) {
	now := b.clock.Now()
	for fd, reg := range b.fds {
		if ready[fd] || reg.deadline.IsZero() || reg.deadline.After(now) {
			continue
		}
		reg.deadline = time.Time{}
		reg.cb(fd, EventTimeout)
		if b.exitRequested {
			return
		}
	}
}

func (b *Base) fireExpiredTimers() {
	now := b.clock.Now()
	var due []*timeoutReg
	for _, t := range b.timeouts {
		if t.active && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.active = false
		delete(b.timeouts, t.id)
		t.cb()
		if b.exitRequested {
			return
		}
	}
}

// nextTimeoutMs computes the epoll_wait timeout covering the soonest
// deadline among fd timeouts and fd-less timers, or -1 to block forever.
func (b *Base) nextTimeoutMs() int {
	now := b.clock.Now()
	var soonest time.Time

	for _, reg := range b.fds {
		if reg.deadline.IsZero() {
			continue
		}
		if soonest.IsZero() || reg.deadline.Before(soonest) {
			soonest = reg.deadline
		}
	}
	for _, t := range b.timeouts {
		if !t.active {
			continue
		}
		if soonest.IsZero() || t.deadline.Before(soonest) {
			soonest = t.deadline
		}
	}

	if soonest.IsZero() {
		return -1
	}
	d := soonest.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

func epollMask(ev EventType) uint32 {
	var m uint32
	if ev&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func domainMask(m uint32) EventType {
	var ev EventType
	if m&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if m&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= EventError
	}
	return ev
}
