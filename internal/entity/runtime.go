package entity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency bounds how many entities process a message at once.
const DefaultMaxConcurrency = 256

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock replaces the wall clock, e.g. with clock.NewMock in tests.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithMaxConcurrency bounds the number of entities running at once.
func WithMaxConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithDeadLetters sets the handler for messages nobody can receive:
// undeliverable messages without a sender and messages sent after Close.
func WithDeadLetters(f func(Envelope)) Option {
	return func(r *Runtime) { r.deadLetters = f }
}

// WithObserver sets the observer notified of runtime events.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

type cell struct {
	ref     Ref
	entity  Entity
	queue   []Envelope
	timers  map[*Timer]struct{}
	running bool
	stopped bool
	failed  bool
}

// Runtime owns every live entity and the goroutines draining their mailboxes.
type Runtime struct {
	log            logrus.FieldLogger
	clock          clock.Clock
	maxConcurrency int
	sem            *semaphore.Weighted
	deadLetters    func(Envelope)
	observer       Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	factories map[Kind]Factory
	cells     map[Ref]*cell
	closed    bool
}

// New creates a runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		log:            logrus.StandardLogger(),
		clock:          clock.New(),
		maxConcurrency: DefaultMaxConcurrency,
		observer:       nopObserver{},
		factories:      make(map[Kind]Factory),
		cells:          make(map[Ref]*cell),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(int64(r.maxConcurrency))
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register installs the factory for kind, replacing any previous one.
func (r *Runtime) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Clock returns the runtime clock.
func (r *Runtime) Clock() clock.Clock {
	return r.clock
}

// Tell sends msg to an entity from outside the runtime.
func (r *Runtime) Tell(to Ref, msg any) {
	r.Send(Envelope{To: to, Msg: msg})
}

// Send delivers env to its target's mailbox, creating the target's cell if
// needed. It never blocks on the target.
func (r *Runtime) Send(env Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.deadLetter(env, "runtime closed")
		return
	}
	c, ok := r.cells[env.To]
	if !ok {
		c = &cell{ref: env.To, timers: make(map[*Timer]struct{})}
		r.cells[env.To] = c
	}
	r.enqueueLocked(c, env)
	r.mu.Unlock()
}

// Exists reports whether ref currently has a live cell.
func (r *Runtime) Exists(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[ref]
	return ok && !c.stopped
}

// Len returns the number of live cells.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Close stops accepting messages, cancels all timers and waits for mailboxes
// that are being drained to empty or for ctx to end.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, c := range r.cells {
		for t := range c.timers {
			t.cancelLocked()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("entity runtime close: %w", ctx.Err())
	}
}

func (r *Runtime) enqueueLocked(c *cell, env Envelope) {
	c.queue = append(c.queue, env)
	if c.running {
		return
	}
	c.running = true
	r.wg.Add(1)
	go r.drain(c)
}

func (r *Runtime) drain(c *cell) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if c.stopped {
			leftover := c.queue
			c.queue = nil
			c.running = false
			var dead []Envelope
			if !c.failed {
				dead = r.reincarnateLocked(c, leftover)
			}
			r.mu.Unlock()
			for _, env := range dead {
				r.deadLetter(env, "runtime closed")
			}
			return
		}
		if len(c.queue) == 0 {
			c.running = false
			r.mu.Unlock()
			return
		}
		env := c.queue[0]
		c.queue[0] = Envelope{}
		c.queue = c.queue[1:]
		r.mu.Unlock()

		if err := r.sem.Acquire(context.Background(), 1); err != nil {
			r.log.WithError(err).Error("Failed to acquire entity slot")
			continue
		}
		r.process(c, env)
		r.sem.Release(1)
	}
}

// reincarnateLocked removes a stopped cell and hands the messages still
// queued for it to a fresh cell. Timer messages die with the old one.
// Messages that cannot be requeued because the runtime is closed are returned.
func (r *Runtime) reincarnateLocked(c *cell, leftover []Envelope) (dead []Envelope) {
	if r.cells[c.ref] == c {
		delete(r.cells, c.ref)
	}
	var next *cell
	for _, env := range leftover {
		if env.timer != nil {
			continue
		}
		if r.closed {
			dead = append(dead, env)
			continue
		}
		if next == nil {
			next = &cell{ref: c.ref, timers: make(map[*Timer]struct{})}
			r.cells[c.ref] = next
		}
		r.enqueueLocked(next, env)
	}
	return dead
}

func (r *Runtime) process(c *cell, env Envelope) {
	if env.timer != nil {
		r.mu.Lock()
		cancelled := env.timer.cancelled
		r.mu.Unlock()
		if cancelled {
			return
		}
	}
	if c.entity == nil {
		e, err := r.spawn(c.ref, env.Msg)
		if err != nil {
			r.fail(c, env, err)
			return
		}
		c.entity = e
		r.observer.Spawned(c.ref.Kind)
	}
	r.receive(c, env)
}

func (r *Runtime) spawn(ref Ref, first any) (e Entity, err error) {
	r.mu.Lock()
	f, ok := r.factories[ref.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no factory for kind %q: %w", ref.Kind, ErrNotFound)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory for %s panicked: %v", ref, p)
		}
	}()
	e, err = f(r.ctx, ref.Key, first)
	if err == nil && e == nil {
		err = fmt.Errorf("factory for %s returned no entity: %w", ref, ErrNotFound)
	}
	return e, err
}

// fail turns the message that could not create its target, and everything
// queued behind it, into undeliverable notifications.
func (r *Runtime) fail(c *cell, env Envelope, err error) {
	entry := r.log.WithField("entity", c.ref.String())
	if errors.Is(err, ErrNotFound) {
		entry.WithError(err).Debug("Entity not found")
	} else {
		entry.WithError(err).Error("Failed to create entity")
	}

	r.mu.Lock()
	pending := append([]Envelope{env}, c.queue...)
	c.queue = nil
	c.stopped = true
	c.failed = true
	if r.cells[c.ref] == c {
		delete(r.cells, c.ref)
	}
	r.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			continue
		}
		r.undeliverable(p, err)
	}
}

func (r *Runtime) undeliverable(env Envelope, err error) {
	r.observer.Undelivered(env.To.Kind)
	if env.From == nil {
		r.deadLetter(env, "no sender")
		return
	}
	if _, bounced := env.Msg.(Undeliverable); bounced {
		// Never bounce a bounce.
		r.deadLetter(env, "undeliverable notification could not be delivered")
		return
	}
	r.Send(Envelope{To: *env.From, Msg: Undeliverable{Target: env.To, Msg: env.Msg, Err: err}})
}

func (r *Runtime) deadLetter(env Envelope, reason string) {
	r.log.WithFields(logrus.Fields{
		"to":     env.To.String(),
		"msg":    fmt.Sprintf("%T", env.Msg),
		"reason": reason,
	}).Debug("Dead letter")
	if r.deadLetters != nil {
		r.deadLetters(env)
	}
}

func (r *Runtime) receive(c *cell, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.observer.Panicked(c.ref.Kind)
			r.log.WithFields(logrus.Fields{
				"entity": c.ref.String(),
				"msg":    fmt.Sprintf("%T", env.Msg),
				"panic":  p,
				"stack":  string(debug.Stack()),
			}).Error("Entity panicked while handling a message")
		}
	}()
	ctx := &Context{Context: r.ctx, rt: r, cell: c, sender: env.From}
	c.entity.Receive(ctx, env.Msg)
}

func (r *Runtime) stop(c *cell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for t := range c.timers {
		t.cancelLocked()
	}
	r.observer.Stopped(c.ref.Kind)
}
