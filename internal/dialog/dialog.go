// Package dialog implements the per-Call-ID entity that gates REGISTER and
// INVITE requests: it sends them through authentication, enforces CSeq
// ordering and expires itself when the call goes quiet.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"sip-registrar/internal/entity"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/sip"
)

const (
	StateActive    = "active"
	StateDestroyed = "destroyed"

	eventDestroy = "destroy"
)

// SchemaVersion is the version of Record.
const SchemaVersion = 1

// Config holds the destruction timeouts.
type Config struct {
	// ShortTimeout applies to every method but REGISTER.
	ShortTimeout time.Duration
	// RegisterTimeout applies to REGISTER dialogs.
	RegisterTimeout time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{ShortTimeout: 3 * time.Second, RegisterTimeout: 120 * time.Second}
}

// Record is the state of a dialog.
type Record struct {
	SchemaVersion int        `json:"schema_version"`
	CallID        string     `json:"call_id"`
	Username      string     `json:"username"`
	Method        sip.Method `json:"method"`
	// Count is the sequence number of the last accepted request.
	Count     uint32    `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// destroyTimeout fires when the dialog has been idle for its timeout.
type destroyTimeout struct {
	generation uint64
}

// Dialog is the entity of one Call-ID.
type Dialog struct {
	cfg       Config
	responder *protocol.Responder
	log       logrus.FieldLogger

	rec        Record
	state      *fsm.FSM
	timer      *entity.Timer
	generation uint64
}

// NewFactory returns the factory for protocol.KindDialog. Dialogs are only
// created by an inbound request; anything else addressed to a missing
// dialog is undeliverable.
func NewFactory(cfg Config, responder *protocol.Responder, log logrus.FieldLogger) entity.Factory {
	return func(_ context.Context, callID string, first any) (entity.Entity, error) {
		in, ok := first.(protocol.Inbound)
		if !ok {
			return nil, entity.ErrNotFound
		}
		return New(cfg, responder, log, callID, in.Request), nil
	}
}

// New creates a dialog seeded from its first request.
func New(cfg Config, responder *protocol.Responder, log logrus.FieldLogger, callID string, first *sip.Request) *Dialog {
	d := &Dialog{
		cfg:       cfg,
		responder: responder,
		rec: Record{
			SchemaVersion: SchemaVersion,
			CallID:        callID,
			Username:      sip.ParseUser(first.Header.Get("From")).Username,
			Method:        first.Method,
		},
	}
	d.log = log.WithFields(logrus.Fields{"call_id": callID, "method": string(first.Method)})
	d.state = fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: eventDestroy, Src: []string{StateActive}, Dst: StateDestroyed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				d.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Dialog state changed")
			},
		},
	)
	return d
}

// Record returns a copy of the dialog state.
func (d *Dialog) Record() Record {
	return d.rec
}

// State returns the state machine's current state.
func (d *Dialog) State() string {
	return d.state.Current()
}

// Receive implements entity.Entity.
func (d *Dialog) Receive(ctx *entity.Context, msg any) {
	switch m := msg.(type) {
	case protocol.Inbound:
		d.handleInbound(ctx, m)
	case protocol.Challenged:
		d.handleChallenged(ctx, m)
	case entity.Undeliverable:
		d.handleUndeliverable(ctx, m)
	case destroyTimeout:
		d.handleTimeout(ctx, m)
	default:
		d.log.Warnf("Dropping unexpected message %T", msg)
	}
}

func (d *Dialog) handleInbound(ctx *entity.Context, in protocol.Inbound) {
	// Any request is activity, including the ones rejected below.
	d.touch(ctx)

	req := in.Request
	switch req.Method {
	case sip.REGISTER, sip.INVITE:
	case sip.SUBSCRIBE:
		d.responder.Respond(in, sip.StatusNotFound, "subscriptions are not supported by this registrar")
		return
	default:
		d.destroy(ctx, "unsupported method")
		d.responder.Respond(in, sip.StatusNotImplemented, fmt.Sprintf("method %s is not implemented", req.Method))
		return
	}

	username := sip.ParseUser(req.Header.Get("From")).Username
	if username == "" {
		d.responder.Respond(in, sip.StatusBadRequest, "From header has no user part")
		return
	}

	if !in.Authenticated {
		ctx.Tell(protocol.UserRef(username), protocol.AuthCheck{Inbound: in})
		return
	}

	if !d.acceptCSeq(in) {
		return
	}

	switch req.Method {
	case sip.REGISTER:
		ctx.Tell(protocol.UserRef(username), protocol.Registration{Inbound: in})
	case sip.INVITE:
		callee := calleeOf(req)
		if callee == "" {
			d.responder.Respond(in, sip.StatusBadRequest, "To header has no user part")
			return
		}
		ctx.Tell(protocol.UserRef(callee), protocol.CallSetup{Inbound: in, Caller: username})
	}
}

// acceptCSeq validates the CSeq of an authenticated request and advances
// the counter. A missing header is synthesized from the counter.
func (d *Dialog) acceptCSeq(in protocol.Inbound) bool {
	req := in.Request
	expected := d.rec.Count + 1

	value := req.Header.Get("CSeq")
	if value == "" {
		cseq := sip.CSeq{Seq: expected, Method: string(req.Method)}
		req.Header.Set("CSeq", cseq.String())
		d.rec.Count = expected
		return true
	}

	cseq, err := sip.ParseCSeq(value)
	if err != nil {
		d.responder.Respond(in, sip.StatusBadRequest, err.Error())
		return false
	}
	entry := d.log.WithFields(logrus.Fields{"cseq": cseq.String(), "expected": expected})
	if !strings.EqualFold(cseq.Method, string(d.rec.Method)) {
		entry.Info("Rejecting request with mismatched CSeq method")
		d.responder.Respond(in, sip.StatusUnauthorized,
			fmt.Sprintf("CSeq method %s does not match dialog method %s", cseq.Method, d.rec.Method))
		return false
	}
	if cseq.Seq != expected {
		entry.Info("Rejecting out of order CSeq")
		d.responder.Respond(in, sip.StatusUnauthorized,
			fmt.Sprintf("CSeq %d out of order, expected %d", cseq.Seq, expected))
		return false
	}
	d.rec.Count = cseq.Seq
	return true
}

// handleChallenged accounts for a request that was answered with a
// challenge so the client's retry with the next number is in order.
func (d *Dialog) handleChallenged(ctx *entity.Context, m protocol.Challenged) {
	if m.CSeq.Seq == d.rec.Count+1 && strings.EqualFold(m.CSeq.Method, string(d.rec.Method)) {
		d.rec.Count = m.CSeq.Seq
	}
	d.touch(ctx)
}

func (d *Dialog) handleUndeliverable(ctx *entity.Context, u entity.Undeliverable) {
	var in protocol.Inbound
	switch m := u.Msg.(type) {
	case protocol.AuthCheck:
		in = m.Inbound
	case protocol.Registration:
		in = m.Inbound
	case protocol.CallSetup:
		in = m.Inbound
	default:
		d.log.Warnf("Dropping undeliverable %T for %s", u.Msg, u.Target)
		return
	}
	d.touch(ctx)
	if !errors.Is(u.Err, entity.ErrNotFound) {
		d.log.WithError(u.Err).WithField("user", u.Target.Key).Error("Could not load user")
		d.responder.Respond(in, sip.StatusServerInternalError, "user lookup failed")
		return
	}
	d.log.WithField("user", u.Target.Key).Info("Target user not found")
	d.responder.Respond(in, sip.StatusNotFound, fmt.Sprintf("user %q not found", u.Target.Key))
}

func (d *Dialog) handleTimeout(ctx *entity.Context, m destroyTimeout) {
	if m.generation != d.generation {
		d.log.Debug("Ignoring stale destruction timer")
		return
	}
	d.destroy(ctx, "idle")
}

// touch records activity and re-arms the destruction timer.
func (d *Dialog) touch(ctx *entity.Context) {
	d.rec.UpdatedAt = ctx.Now()
	d.generation++
	d.timer.Stop()
	d.timer = ctx.Schedule(d.timeout(), destroyTimeout{generation: d.generation})
}

func (d *Dialog) timeout() time.Duration {
	if d.rec.Method == sip.REGISTER {
		return d.cfg.RegisterTimeout
	}
	return d.cfg.ShortTimeout
}

func (d *Dialog) destroy(ctx *entity.Context, reason string) {
	if err := d.state.Event(ctx, eventDestroy); err != nil {
		d.log.WithError(err).Debug("Dialog already destroyed")
		return
	}
	d.timer.Stop()
	d.log.WithField("reason", reason).Debug("Dialog destroyed")
	ctx.Stop()
}

// calleeOf returns the username the INVITE is addressed to: the To user,
// or the Request-URI user when To carries none.
func calleeOf(req *sip.Request) string {
	if u := sip.ParseUser(req.Header.Get("To")).Username; u != "" {
		return u
	}
	return sip.ParseUser(req.URI).Username
}
