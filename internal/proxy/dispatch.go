package proxy

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"sip-registrar/internal/protocol"
	"sip-registrar/internal/sip"
)

// requiredHeaders must be present before a request reaches an entity.
var requiredHeaders = map[sip.Method][]string{
	sip.REGISTER: {"Call-ID", "Contact", "From", "Via"},
	sip.INVITE:   {"From", "To", "Call-ID"},
}

// Handle dispatches one decoded message received on t.
func (s *Server) Handle(t sip.Transport, msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		s.handleRequest(t, m)
	case *sip.Response:
		s.handleResponse(t, m)
	}
}

func (s *Server) handleRequest(t sip.Transport, req *sip.Request) {
	proto := t.GetProto()
	s.metrics.MessagesDecoded.WithLabelValues(proto, "request", string(req.Method)).Inc()
	entry := s.log.WithFields(logrus.Fields{
		"remote":  remote(t),
		"method":  string(req.Method),
		"call_id": req.CallID(),
	})

	if st := req.Failure(); st != nil {
		s.metrics.DecodeFailures.WithLabelValues(proto, fmt.Sprint(st.Code)).Inc()
		entry.WithField("status", st.String()).Debug("Answering malformed request")
		s.responder.Send(t, sip.BuildResponse(req, st))
		return
	}

	if req.Method == sip.ACK {
		entry.Debug("Dropping ACK")
		return
	}

	if missing := missingHeaders(req); len(missing) > 0 {
		entry.WithField("missing", missing).Info("Rejecting request without required headers")
		detail := "missing required header " + strings.Join(missing, ", ")
		s.responder.Send(t, sip.Respond(req, sip.StatusBadRequest, detail))
		return
	}

	callID := req.CallID()
	if callID == "" {
		if req.Method == sip.SUBSCRIBE {
			s.responder.Send(t, sip.Respond(req, sip.StatusNotFound, "subscriptions are not supported by this registrar"))
			return
		}
		s.responder.Send(t, sip.Respond(req, sip.StatusNotImplemented, fmt.Sprintf("method %s is not implemented", req.Method)))
		return
	}

	s.rt.Tell(protocol.DialogRef(callID), protocol.Inbound{
		Request:    req,
		Reply:      t,
		ReceivedAt: s.rt.Clock().Now(),
	})
}

func (s *Server) handleResponse(t sip.Transport, resp *sip.Response) {
	proto := t.GetProto()
	if st := resp.Failure(); st != nil {
		s.metrics.DecodeFailures.WithLabelValues(proto, fmt.Sprint(st.Code)).Inc()
		s.log.WithField("remote", remote(t)).Debug("Dropping malformed response")
		return
	}
	s.metrics.MessagesDecoded.WithLabelValues(proto, "response", "").Inc()
	s.metrics.DeviceResponses.WithLabelValues(fmt.Sprint(resp.Code())).Inc()
	// Final answers from devices are not relayed to the caller.
	s.log.WithFields(logrus.Fields{
		"remote":  remote(t),
		"call_id": resp.CallID(),
		"code":    resp.Code(),
	}).Info("Dropping response from device")
}

func missingHeaders(req *sip.Request) []string {
	var missing []string
	for _, name := range requiredHeaders[req.Method] {
		if strings.TrimSpace(req.Header.Get(name)) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func remote(t sip.Transport) string {
	if a := t.GetRemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
