package netcore

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	base, err := CreateBase(slog.Default(), false)
	require.NoError(t, err)
	t.Cleanup(base.Delete)
	return base
}

func TestBaseFiresFdLessTimer(t *testing.T) {
	base := newTestBase(t)

	fired := false
	base.AddTimer(10*time.Millisecond, func() {
		fired = true
		base.Exit()
	})

	err := base.Dispatch()
	require.NoError(t, err)
	require.True(t, fired)
}

func TestBaseDisableTimerPreventsFire(t *testing.T) {
	base := newTestBase(t)

	fired := false
	id := base.AddTimer(5*time.Millisecond, func() { fired = true })
	base.DisableTimer(id)

	base.AddTimer(15*time.Millisecond, func() { base.Exit() })

	require.NoError(t, base.Dispatch())
	require.False(t, fired)
}

func TestBaseRegisterFDDeliversReadEvent(t *testing.T) {
	base := newTestBase(t)

	fds := make([]int, 2)
	err := unix.Pipe(fds)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var gotEvent EventType
	err = base.RegisterFD(fds[0], EventRead, func(fd int, ev EventType) {
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		gotEvent = ev
		require.Equal(t, "ping", string(buf[:n]))
		base.Exit()
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	require.NoError(t, base.Dispatch())
	require.Equal(t, EventRead, gotEvent)
}

func TestBaseFdTimeoutFiresWhenIdle(t *testing.T) {
	base := newTestBase(t)

	fds := make([]int, 2)
	err := unix.Pipe(fds)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var sawTimeout bool
	err = base.RegisterFD(fds[0], EventRead, func(fd int, ev EventType) {
		if ev&EventTimeout != 0 {
			sawTimeout = true
			base.Exit()
		}
	})
	require.NoError(t, err)
	require.NoError(t, base.SetTimeout(fds[0], 10*time.Millisecond))

	require.NoError(t, base.Dispatch())
	require.True(t, sawTimeout)
}

// TestBaseDispatchDoesNotClearFdTimeoutOnReadable guards against a regression
// where every readable wakeup blanket-cleared a fd's deadline regardless of
// whether the callback made any progress worth re-arming for: a deadline set
// before a readable event must still be standing (and eventually fire) after
// that event is delivered, unless the callback itself calls SetTimeout.
func TestBaseDispatchDoesNotClearFdTimeoutOnReadable(t *testing.T) {
	base := newTestBase(t)

	fds := make([]int, 2)
	err := unix.Pipe(fds)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var reads, timeouts int
	err = base.RegisterFD(fds[0], EventRead, func(fd int, ev EventType) {
		if ev&EventTimeout != 0 {
			timeouts++
			base.Exit()
			return
		}
		buf := make([]byte, 16)
		_, _ = unix.Read(fd, buf)
		reads++
		// Deliberately does not re-arm: a prior blanket clear in Dispatch
		// would erase the deadline set below, and the timeout would never
		// fire.
	})
	require.NoError(t, err)
	require.NoError(t, base.SetTimeout(fds[0], 20*time.Millisecond))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.NoError(t, base.Dispatch())
	require.Equal(t, 1, reads)
	require.Equal(t, 1, timeouts)
}

// TestBaseDisableTimerFreesMapEntry guards against the fd-less timer queue
// leaking one map entry per timer ever armed: both disabling a timer and
// letting it fire must remove it from the base's internal tracking so a
// long-running dispatch loop doesn't accumulate unbounded stale entries.
func TestBaseDisableTimerFreesMapEntry(t *testing.T) {
	base := newTestBase(t)

	id := base.AddTimer(time.Hour, func() {})
	require.Len(t, base.timeouts, 1)
	base.DisableTimer(id)
	require.Empty(t, base.timeouts)

	fired := base.AddTimer(5*time.Millisecond, func() {})
	base.AddTimer(15*time.Millisecond, func() { base.Exit() })
	require.Len(t, base.timeouts, 2)

	require.NoError(t, base.Dispatch())
	_, stillPresent := base.timeouts[fired]
	require.False(t, stillPresent)
}
