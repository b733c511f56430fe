package netcore

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// signalHandlingOwned guards the process-wide constraint from spec §5:
// enableSignalHandling is permitted on only one base per process.
var signalHandlingOwned atomic.Bool

// SignalCallback receives the delivered signal number. It runs on the
// loop thread once the readiness layer surfaces the signal, never from
// async signal context (spec §4.10).
type SignalCallback func(sig int)

// SignalSet aggregates one or more OS signals behind a single signalfd
// registered with a base (spec §4.10). Signals are persistent.
type SignalSet struct {
	base *Base
	fd   int
	mask unix.Sigset_t
	cb   SignalCallback
	arg  any
}

// CreateSignalSet builds an (initially empty) signal aggregator bound to
// base. base must have been created with enableSignalHandling=true.
func CreateSignalSet(base *Base, log *slog.Logger, cb SignalCallback, arg any) (*SignalSet, error) {
	if !base.SignalHandlingOwner() {
		return nil, fmt.Errorf("netcore: signal set requires a base created with enableSignalHandling")
	}
	s := &SignalSet{base: base, fd: -1, cb: cb, arg: arg}
	return s, nil
}

func addSignalBit(mask *unix.Sigset_t, sig int) {
	// Standard POSIX signal numbers all fit in the first 64-bit word; this
	// covers every signal the resolver core needs to bind (INT, TERM, HUP,
	// USR1, USR2, ...).
	mask.Val[0] |= 1 << uint(sig-1)
}

// Bind adds one OS signal to the set. The first call creates the signalfd
// and registers it with the base; later calls update that signalfd's mask
// in place, so the kernel mask always reflects every bound signal.
func (s *SignalSet) Bind(sig int) error {
	addSignalBit(&s.mask, sig)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &s.mask, nil); err != nil {
		return fmt.Errorf("netcore: sigprocmask: %w", err)
	}

	newFD, err := unix.Signalfd(s.fd, &s.mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("netcore: signalfd: %w", err)
	}
	if s.fd >= 0 && s.fd != newFD {
		_ = s.base.UnregisterFD(s.fd)
		_ = unix.Close(s.fd)
	}
	if s.fd != newFD {
		s.fd = newFD
		if err := s.base.RegisterFD(s.fd, EventRead, s.onReadable); err != nil {
			return err
		}
	}
	return nil
}

func (s *SignalSet) onReadable(int, EventType) {
	var info unix.SignalfdSiginfo
	buf := (*[unsafe.Sizeof(info)]byte)(unsafe.Pointer(&info))[:]
	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil || n < int(unsafe.Sizeof(info)) {
			return
		}
		s.cb(int(info.Signo))
	}
}

// Delete unbinds all signals and releases the signalfd.
func (s *SignalSet) Delete() {
	if s.fd < 0 {
		return
	}
	_ = s.base.UnregisterFD(s.fd)
	_ = unix.Close(s.fd)
	s.fd = -1
}
