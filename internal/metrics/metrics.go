// Package metrics exposes server counters to Prometheus and serves the
// internal health and metrics API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gameport"

// Gauges are sampled on every scrape.
type Gauges struct {
	ConnectedPeers      func() float64
	PendingReservations func() float64
}

// Metrics holds the server's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events              *prometheus.CounterVec
	decisions           *prometheus.CounterVec
	handshakeFailures   prometheus.Counter
	invariantViolations prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, gauges Gauges) *Metrics {
	factory := promauto.With(reg)

	if gauges.ConnectedPeers != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers currently connected.",
		}, gauges.ConnectedPeers)
	}
	if gauges.PendingReservations != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reservations",
			Help:      "Accepted connection requests whose peers have not connected yet.",
		}, gauges.PendingReservations)
	}

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Transport events dispatched, by kind.",
		}, []string{"kind"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Connection requests evaluated, by result and rejection reason.",
		}, []string{"result", "reason"}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Welcome messages the transport refused to send.",
		}),
		invariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Events that broke the transport contract, such as duplicate peer identities.",
		}),
	}
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDecision(accepted bool, reason string) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.decisions.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) InvariantViolated() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}
