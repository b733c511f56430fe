package netcore

import (
	"sync/atomic"
	"time"
)

// clock caches the current wall time so callbacks don't have to syscall for
// it. It is refreshed at the top of every dispatch wakeup and before loop
// entry, so every callback delivered in one wakeup sees the same cached
// time. A single cached time per wakeup trades strict
// monotonicity for syscall economy; downstream TTL math tolerates a
// one-dispatch quantum of skew.
type clock struct {
	secs atomic.Uint32
	now  atomic.Pointer[time.Time]
}

func newClock() *clock {
	c := &clock{}
	c.refresh()
	return c
}

// refresh samples the wall clock once. Called by the base before loop entry
// and once after every epoll_wait wakeup, before that wakeup's callbacks.
func (c *clock) refresh() {
	now := time.Now()
	c.secs.Store(uint32(now.Unix()))
	c.now.Store(&now)
}

// Seconds returns the cached wall-clock time in whole seconds.
func (c *clock) Seconds() uint32 {
	return c.secs.Load()
}

// Now returns the cached wall-clock time as a full timestamp.
func (c *clock) Now() time.Time {
	return *c.now.Load()
}
