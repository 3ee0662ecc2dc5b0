package protocol

import (
	"github.com/sirupsen/logrus"

	"sip-registrar/internal/metrics"
	"sip-registrar/internal/sip"
)

// Responder answers requests on the transport they arrived on.
type Responder struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewResponder creates a responder.
func NewResponder(log logrus.FieldLogger, m *metrics.Metrics) *Responder {
	return &Responder{log: log, metrics: m}
}

// Respond builds a response to in.Request and sends it.
func (r *Responder) Respond(in Inbound, code int, detail string, extra ...sip.Field) *sip.Response {
	resp := sip.Respond(in.Request, code, detail, extra...)
	r.Send(in.Reply, resp)
	return resp
}

// Send writes resp to t, logging and counting the outcome.
func (r *Responder) Send(t sip.Transport, resp *sip.Response) {
	entry := r.log.WithFields(logrus.Fields{
		"call_id": resp.CallID(),
		"code":    resp.Code(),
	})
	if t == nil {
		entry.Error("No transport to send response on")
		return
	}
	entry = entry.WithField("remote", addrString(t))
	if err := sip.Send(t, resp); err != nil {
		r.metrics.TransportErrors.WithLabelValues(t.GetProto(), "write").Inc()
		entry.WithError(err).Error("Failed to send response")
		return
	}
	r.metrics.Response(resp.Code())
	entry.Debug("Sent response")
}

func addrString(t sip.Transport) string {
	if a := t.GetRemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
