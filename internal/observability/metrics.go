package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments exported by the relay.
type Metrics struct {
	// ActiveConnections tracks currently open relay connections per universe.
	ActiveConnections *prometheus.GaugeVec
	// MessagesRelayed counts inbound websocket messages relayed upstream.
	MessagesRelayed *prometheus.CounterVec
	// PublishFailures counts failed upstream publish attempts.
	PublishFailures *prometheus.CounterVec
	// FanoutDeliveries counts frames delivered to local connections.
	FanoutDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers relay metrics on the given registerer.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulse_active_connections",
				Help: "Currently open relay connections per universe.",
			},
			[]string{"universe_id"},
		),
		MessagesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_messages_relayed_total",
				Help: "Inbound websocket messages relayed to the external platform.",
			},
			[]string{"universe_id"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_publish_failures_total",
				Help: "Failed publish attempts against the external platform.",
			},
			[]string{"universe_id"},
		),
		FanoutDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_fanout_deliveries_total",
				Help: "Frames delivered to local connections by fan-out.",
			},
			[]string{"universe_id"},
		),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.MessagesRelayed,
		m.PublishFailures,
		m.FanoutDeliveries,
	)
	return m
}
