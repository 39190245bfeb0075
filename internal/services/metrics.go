package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the aggregator
type Metrics struct {
	// Event flow
	EventsRouted  *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	EventsIgnored *prometheus.CounterVec

	// Push subscription
	WorldSubscribers prometheus.Gauge

	// Resumable stream
	StreamConsumers prometheus.Gauge
}

// InitMetrics initializes the Prometheus metrics. The connected-backend
// gauge reads live from the connection manager.
func InitMetrics(manager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		EventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_events_routed_total",
			Help: "Total number of events routed into the world store, by wire type",
		}, []string{"type"}),

		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_events_dropped_total",
			Help: "Total number of malformed events discarded at the router, by source",
		}, []string{"source"}),

		EventsIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_events_ignored_total",
			Help: "Total number of events with unhandled wire types, by type",
		}, []string{"type"}),

		WorldSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_world_subscribers_active",
			Help: "Number of active world-state push subscribers",
		}),

		StreamConsumers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_stream_consumers_active",
			Help: "Number of active resumable stream consumers",
		}),
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "agentdeck_backends_connected",
			Help: "Number of backend instances currently streaming events",
		},
		func() float64 {
			if manager != nil {
				return float64(manager.ConnectedCount())
			}
			return 0
		},
	))

	return metrics
}

// RecordEventRouted records an event applied to the world store
func (m *Metrics) RecordEventRouted(eventType string) {
	m.EventsRouted.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records a malformed event discarded at the router
func (m *Metrics) RecordEventDropped(source string) {
	m.EventsDropped.WithLabelValues(source).Inc()
}

// RecordEventIgnored records an event with an unhandled type
func (m *Metrics) RecordEventIgnored(eventType string) {
	m.EventsIgnored.WithLabelValues(eventType).Inc()
}

// RecordSubscribe records a new world-state subscriber
func (m *Metrics) RecordSubscribe() {
	m.WorldSubscribers.Inc()
}

// RecordUnsubscribe records a departed world-state subscriber
func (m *Metrics) RecordUnsubscribe() {
	m.WorldSubscribers.Dec()
}

// RecordStreamStart records a new resumable stream consumer
func (m *Metrics) RecordStreamStart() {
	m.StreamConsumers.Inc()
}

// RecordStreamEnd records a departed resumable stream consumer
func (m *Metrics) RecordStreamEnd() {
	m.StreamConsumers.Dec()
}
