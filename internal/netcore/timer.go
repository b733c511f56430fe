package netcore

import "time"

// TimerCallback is invoked once when a Timer fires.
type TimerCallback func(arg any)

// Timer is a one-shot timer bound to a base (spec §4.9). Firing clears
// enabled and calls the callback; Set on an already-enabled timer first
// disables then re-arms, and re-establishes the base registration so the
// loop's timeout wheel sees the new duration.
type Timer struct {
	base    *Base
	cb      TimerCallback
	arg     any
	id      uint64
	enabled bool
}

// CreateTimer allocates a disabled timer. Call Set to arm it.
func CreateTimer(base *Base, cb TimerCallback, arg any) *Timer {
	return &Timer{base: base, cb: cb, arg: arg}
}

// Set arms (or re-arms) the timer to fire after d. IsSet is true from here
// until Disable or the callback fires, whichever comes first.
func (t *Timer) Set(d time.Duration) {
	if t.enabled {
		t.base.DisableTimer(t.id)
	}
	t.id = t.base.AddTimer(d, t.fire)
	t.enabled = true
}

func (t *Timer) fire() {
	t.enabled = false
	t.cb(t.arg)
}

// Disable deactivates the timer without firing its callback.
func (t *Timer) Disable() {
	if !t.enabled {
		return
	}
	t.base.DisableTimer(t.id)
	t.enabled = false
}

// IsSet reports whether the timer is currently armed.
func (t *Timer) IsSet() bool { return t.enabled }

// Delete disables and releases the timer's base registration entirely.
func (t *Timer) Delete() {
	if t.enabled {
		t.base.RemoveTimer(t.id)
		t.enabled = false
	}
}
