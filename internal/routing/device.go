package routing

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"sip-registrar/internal/entity"
	"sip-registrar/internal/metrics"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/sip"
)

// Device states.
const (
	StateFree    = "FREE"
	StateRinging = "RINGING"
	StateBusy    = "BUSY"

	eventRing    = "ring"
	eventOccupy  = "occupy"
	eventRelease = "release"
)

// SchemaVersion is the version of Record.
const SchemaVersion = 1

// Sender writes a request to the network address of a binding.
type Sender interface {
	SendRequest(ctx context.Context, b registry.Binding, req *sip.Request) error
}

// DeviceConfig configures device entities.
type DeviceConfig struct {
	// RingTimeout releases a ringing device that never got answered.
	RingTimeout time.Duration
	// Via is the hop inserted in forwarded INVITEs.
	Via Via
}

// Record is the state of a device.
type Record struct {
	SchemaVersion int       `json:"schema_version"`
	Key           string    `json:"key"`
	Callee        string    `json:"callee"`
	State         string    `json:"state"`
	CallID        string    `json:"call_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ringTimeout struct {
	generation uint64
}

// Device is the entity of one registered contact.
type Device struct {
	cfg     DeviceConfig
	sender  Sender
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	rec        Record
	state      *fsm.FSM
	timer      *entity.Timer
	generation uint64
}

// NewDeviceFactory returns the factory for protocol.KindDevice. Devices are
// created by the first Ring addressed to them.
func NewDeviceFactory(cfg DeviceConfig, sender Sender, m *metrics.Metrics, log logrus.FieldLogger) entity.Factory {
	return func(_ context.Context, key string, first any) (entity.Entity, error) {
		ring, ok := first.(protocol.Ring)
		if !ok {
			return nil, entity.ErrNotFound
		}
		return NewDevice(cfg, sender, m, log, key, ring.Callee), nil
	}
}

// NewDevice creates a free device.
func NewDevice(cfg DeviceConfig, sender Sender, m *metrics.Metrics, log logrus.FieldLogger, key, callee string) *Device {
	d := &Device{
		cfg:     cfg,
		sender:  sender,
		metrics: m,
		log:     log.WithFields(logrus.Fields{"device": key, "user": callee}),
		rec:     Record{SchemaVersion: SchemaVersion, Key: key, Callee: callee, State: StateFree},
	}
	d.state = fsm.NewFSM(
		StateFree,
		fsm.Events{
			{Name: eventRing, Src: []string{StateFree, StateRinging}, Dst: StateRinging},
			{Name: eventOccupy, Src: []string{StateRinging}, Dst: StateBusy},
			{Name: eventRelease, Src: []string{StateRinging, StateBusy}, Dst: StateFree},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.rec.State = e.Dst
				d.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Device state changed")
			},
		},
	)
	return d
}

// State returns the current device state.
func (d *Device) State() string {
	return d.state.Current()
}

// Record returns a copy of the device state.
func (d *Device) Record() Record {
	return d.rec
}

// Receive implements entity.Entity.
func (d *Device) Receive(ctx *entity.Context, msg any) {
	switch m := msg.(type) {
	case protocol.Ring:
		d.ring(ctx, m)
	case ringTimeout:
		if m.generation != d.generation {
			return
		}
		d.log.Info("Ring timed out")
		d.fire(ctx, eventRelease)
		ctx.Stop()
	default:
		d.log.Warnf("Dropping unexpected message %T", msg)
	}
}

func (d *Device) ring(ctx *entity.Context, m protocol.Ring) {
	if d.State() == StateBusy {
		d.log.Info("Device busy, not ringing")
		return
	}
	d.fire(ctx, eventRing)

	out := BuildInvite(m.Request, m.Binding, d.cfg.Via)
	entry := d.log.WithFields(logrus.Fields{"call_id": out.CallID(), "contact": m.Binding.Contact})
	if err := d.sender.SendRequest(ctx, m.Binding, out); err != nil {
		entry.WithError(err).Error("Failed to forward INVITE")
		d.fire(ctx, eventRelease)
		ctx.Stop()
		return
	}
	d.metrics.RequestsSent.WithLabelValues(string(out.Method)).Inc()
	entry.Info("Forwarded INVITE to device")

	d.rec.CallID = out.CallID()
	d.rec.UpdatedAt = ctx.Now()
	d.generation++
	d.timer.Stop()
	if d.cfg.RingTimeout > 0 {
		d.timer = ctx.Schedule(d.cfg.RingTimeout, ringTimeout{generation: d.generation})
	}
}

func (d *Device) fire(ctx context.Context, event string) {
	err := d.state.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		d.log.WithError(err).WithField("event", event).Debug("Device transition refused")
	}
}
