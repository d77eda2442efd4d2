package container

import (
	"time"

	"github.com/portod/portod/internal/cstate"
)

// Wait blocks until the container reaches one of names or timeout
// elapses; a state already in names answers at once. An empty names
// matches every state, so it returns the current state immediately
// without waiting for a change. Ordering guarantee:
// since notifyWaiters runs under c.mu right after the state write, a
// Wait call started after Start/Stop/etc returns always observes the
// resulting state without a race.
func (c *Container) Wait(names []cstate.Status, timeout time.Duration) (cstate.Status, bool) {
	c.mu.Lock()
	current := c.state
	if matchesAny(current, names) {
		c.mu.Unlock()
		return current, true
	}
	w := &Waiter{Names: names, done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.done:
		return c.State(), true
	case <-time.After(timeout):
		c.removeWaiter(w)
		return c.State(), false
	}
}

// notifyWaiters must be called with c.mu held, immediately after the
// state field is written.
func (c *Container) notifyWaiters(s cstate.Status) {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if matchesAny(s, w.Names) {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

func (c *Container) removeWaiter(target *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.waiters[:0]
	for _, w := range c.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	c.waiters = out
}

func matchesAny(s cstate.Status, names []cstate.Status) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n == s {
			return true
		}
	}
	return false
}
