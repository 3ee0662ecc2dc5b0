package entity

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a pending scheduled message.
type Timer struct {
	rt        *Runtime
	cell      *cell
	t         *clock.Timer
	cancelled bool
}

// Stop cancels the timer. It reports whether the message was still pending.
// A message already queued by the timer is dropped as well.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.rt.mu.Lock()
	defer t.rt.mu.Unlock()
	return t.cancelLocked()
}

func (t *Timer) cancelLocked() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	delete(t.cell.timers, t)
	t.t.Stop()
	return true
}

func (r *Runtime) schedule(c *cell, d time.Duration, msg any) *Timer {
	t := &Timer{rt: r, cell: c}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.stopped || r.closed {
		t.cancelled = true
		return t
	}
	c.timers[t] = struct{}{}
	t.t = r.clock.AfterFunc(d, func() { r.fire(t, msg) })
	return t
}

// fire enqueues a timer message into the exact incarnation that scheduled it.
func (r *Runtime) fire(t *Timer, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := t.cell
	if t.cancelled || c.stopped || r.closed || r.cells[c.ref] != c {
		r.log.WithField("entity", c.ref.String()).Debug("Dropping stale timer")
		return
	}
	delete(c.timers, t)
	self := c.ref
	r.enqueueLocked(c, Envelope{To: self, From: &self, Msg: msg, timer: t})
}
