package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the status surface's own operation, generalized from the
// teacher's internal/realtime.RealtimeMetrics (connections/events/latency
// gauges+counters+histogram) to provisioning events. Built against a
// private *prometheus.Registry rather than promauto's package-global
// DefaultRegisterer (the teacher's usual habit) so that constructing more
// than one Metrics — as every test in this package does — never panics on
// a duplicate collector registration.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics builds a Metrics backed by a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "provd",
			Subsystem: "status",
			Name:      "connections_active",
			Help:      "Current number of connected status websocket clients.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provd",
			Subsystem: "status",
			Name:      "events_total",
			Help:      "Total number of status events broadcast, by type.",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provd",
			Subsystem: "status",
			Name:      "errors_total",
			Help:      "Total number of status bus errors, by kind.",
		}, []string{"kind"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "provd",
			Subsystem: "status",
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of one status event broadcast to all subscribers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
	}
	reg.MustRegister(m.ConnectionsActive, m.EventsTotal, m.ErrorsTotal, m.BroadcastDuration)
	return m
}

// Registry returns the collector registry these metrics were registered
// against, for the /metrics handler to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
