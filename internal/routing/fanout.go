// Package routing delivers authenticated INVITEs to the devices bound to a
// callee and runs the per-device state machine.
package routing

import (
	"time"

	"github.com/sirupsen/logrus"

	"sip-registrar/internal/entity"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/sip"
)

// Result summarises a fan-out.
type Result struct {
	Rung    []string // keys of the devices that received the INVITE
	Expired []string // keys skipped because their binding had expired
}

// Reached reports whether at least one device received the INVITE.
func (r Result) Reached() bool {
	return len(r.Rung) > 0
}

// Fanout sends an INVITE to the device of every binding live at now.
// Expired bindings are skipped and logged; they are not removed.
func Fanout(ctx *entity.Context, callee string, bindings []registry.Binding, req *sip.Request, now time.Time) Result {
	var res Result
	for _, b := range bindings {
		if !b.Live(now) {
			ctx.Log().WithFields(logrus.Fields{
				"device":     b.Key,
				"expired_at": b.ExpiresAt,
			}).Info("Skipping expired binding")
			res.Expired = append(res.Expired, b.Key)
			continue
		}
		ctx.Tell(protocol.DeviceRef(b.Key), protocol.Ring{Request: req.Clone(), Binding: b, Callee: callee})
		res.Rung = append(res.Rung, b.Key)
	}
	return res
}

// Response returns the status the caller gets for res: 100 Trying when a
// device was reached, 410 Gone otherwise.
func Response(callee string, res Result) *sip.Status {
	if res.Reached() {
		return sip.NewStatus(sip.StatusTrying, "")
	}
	return sip.NewStatus(sip.StatusGone, "no live registration for "+callee)
}
