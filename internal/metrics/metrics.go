// Package metrics implements Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sip-registrar/internal/entity"
)

const namespace = "sip_registrar"

// Metrics holds every collector of the registrar. It implements
// entity.Observer.
type Metrics struct {
	// MessagesDecoded counts decoded messages by transport, kind and method.
	MessagesDecoded *prometheus.CounterVec
	// DecodeFailures counts malformed messages by transport and synthetic status,
	// and framing errors with status "framing".
	DecodeFailures *prometheus.CounterVec
	// ResponsesSent counts responses written to peers by status code.
	ResponsesSent *prometheus.CounterVec
	// RequestsSent counts requests forwarded to devices by method.
	RequestsSent *prometheus.CounterVec
	// TransportErrors counts failed reads and writes.
	TransportErrors *prometheus.CounterVec
	// AuthAttempts counts authentication decisions by method and result.
	AuthAttempts *prometheus.CounterVec
	// RoutingOutcomes counts INVITE routing results.
	RoutingOutcomes *prometheus.CounterVec
	// BindingChanges counts registry mutations by action.
	BindingChanges *prometheus.CounterVec
	// DeviceResponses counts responses received from devices.
	DeviceResponses *prometheus.CounterVec

	EntitiesActive  *prometheus.GaugeVec
	EntitiesSpawned *prometheus.CounterVec
	Undeliverable   *prometheus.CounterVec
	EntityPanics    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decoded_total",
			Help:      "Total number of SIP messages decoded",
		}, []string{"transport", "kind", "method"}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of malformed messages and framing errors",
		}, []string{"transport", "status"}),
		ResponsesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Total number of SIP responses sent",
		}, []string{"code"}),
		RequestsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Total number of SIP requests forwarded to devices",
		}, []string{"method"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of transport read and write errors",
		}, []string{"transport", "op"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication decisions",
		}, []string{"method", "result"}),
		RoutingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_outcomes_total",
			Help:      "Total number of INVITE routing outcomes",
		}, []string{"outcome"}),
		BindingChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binding_changes_total",
			Help:      "Total number of registration binding changes",
		}, []string{"action"}),
		DeviceResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_responses_total",
			Help:      "Total number of responses received from devices",
		}, []string{"code"}),
		EntitiesActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities_active",
			Help:      "Current number of live entities",
		}, []string{"kind"}),
		EntitiesSpawned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_spawned_total",
			Help:      "Total number of entities created",
		}, []string{"kind"}),
		Undeliverable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undeliverable_total",
			Help:      "Total number of messages whose target could not be created",
		}, []string{"kind"}),
		EntityPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_panics_total",
			Help:      "Total number of recovered panics in entity handlers",
		}, []string{"kind"}),
	}
}

// NewUnregistered returns metrics backed by a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Response records a response sent with code.
func (m *Metrics) Response(code int) {
	m.ResponsesSent.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Auth records an authentication decision.
func (m *Metrics) Auth(method, result string) {
	m.AuthAttempts.WithLabelValues(method, result).Inc()
}

// Spawned implements entity.Observer.
func (m *Metrics) Spawned(kind entity.Kind) {
	m.EntitiesSpawned.WithLabelValues(string(kind)).Inc()
	m.EntitiesActive.WithLabelValues(string(kind)).Inc()
}

// Stopped implements entity.Observer.
func (m *Metrics) Stopped(kind entity.Kind) {
	m.EntitiesActive.WithLabelValues(string(kind)).Dec()
}

// Undelivered implements entity.Observer.
func (m *Metrics) Undelivered(kind entity.Kind) {
	m.Undeliverable.WithLabelValues(string(kind)).Inc()
}

// Panicked implements entity.Observer.
func (m *Metrics) Panicked(kind entity.Kind) {
	m.EntityPanics.WithLabelValues(string(kind)).Inc()
}
