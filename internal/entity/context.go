package entity

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Context is handed to Entity.Receive. It is only valid for the duration
// of that call.
type Context struct {
	context.Context

	rt     *Runtime
	cell   *cell
	sender *Ref
}

// Self returns the address of the entity being run.
func (c *Context) Self() Ref {
	return c.cell.ref
}

// Sender returns the sender of the current message, or nil.
func (c *Context) Sender() *Ref {
	return c.sender
}

// Tell sends msg to another entity with the current entity as sender.
func (c *Context) Tell(to Ref, msg any) {
	self := c.cell.ref
	c.rt.Send(Envelope{To: to, From: &self, Msg: msg})
}

// Reply sends msg back to the sender of the current message.
// It reports false when there is no sender.
func (c *Context) Reply(msg any) bool {
	if c.sender == nil {
		return false
	}
	c.Tell(*c.sender, msg)
	return true
}

// Schedule delivers msg to the current entity after d. The returned timer
// can be stopped; timers are stopped automatically when the entity stops.
func (c *Context) Schedule(d time.Duration, msg any) *Timer {
	return c.rt.schedule(c.cell, d, msg)
}

// Stop tears the entity down once the current message is handled.
// Pending timers are cancelled. Messages queued behind the current one are
// delivered to a fresh incarnation.
func (c *Context) Stop() {
	c.rt.stop(c.cell)
}

// Now returns the runtime clock's current time.
func (c *Context) Now() time.Time {
	return c.rt.clock.Now()
}

// Log returns the runtime logger scoped to the current entity.
func (c *Context) Log() logrus.FieldLogger {
	return c.rt.log.WithField("entity", c.cell.ref.String())
}
