// Package entity runs independently addressable state machines, each with
// a serial mailbox: one message at a time per entity, any number of
// entities in parallel.
//
// Entities are created on first reference by the factory registered for
// their kind. A factory may refuse with ErrNotFound, in which case the
// sender receives an Undeliverable carrying the original message.
package entity

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Factory when the addressed entity does not
// exist and must not be created.
var ErrNotFound = errors.New("entity: not found")

// Kind names a family of entities sharing one factory.
type Kind string

// Ref addresses a single entity.
type Ref struct {
	Kind Kind
	Key  string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Key)
}

// Envelope is a message in flight.
type Envelope struct {
	To   Ref
	From *Ref // nil when the message originates outside the runtime
	Msg  any

	timer *Timer
}

// Undeliverable is delivered to the sender of a message whose target could
// not be created.
type Undeliverable struct {
	Target Ref
	Msg    any
	Err    error
}

// Entity handles the messages of one mailbox. Receive is never called
// concurrently for the same entity.
type Entity interface {
	Receive(ctx *Context, msg any)
}

// Factory creates the entity for key. first is the message that caused the
// creation.
type Factory func(ctx context.Context, key string, first any) (Entity, error)

// Observer is notified of runtime events, typically to update metrics.
type Observer interface {
	Spawned(kind Kind)
	Stopped(kind Kind)
	Undelivered(kind Kind)
	Panicked(kind Kind)
}

type nopObserver struct{}

func (nopObserver) Spawned(Kind)     {}
func (nopObserver) Stopped(Kind)     {}
func (nopObserver) Undelivered(Kind) {}
func (nopObserver) Panicked(Kind)    {}

// Func adapts a function to the Entity interface.
type Func func(ctx *Context, msg any)

// Receive calls f.
func (f Func) Receive(ctx *Context, msg any) { f(ctx, msg) }
