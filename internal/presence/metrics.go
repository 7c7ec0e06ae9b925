package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricBroadcastsSent     = "presence_broadcasts_sent_total"
	MetricBroadcastsReceived = "presence_broadcasts_received_total"
	MetricBroadcastsDropped  = "presence_broadcasts_dropped_total"
	MetricListenerErrors     = "presence_listener_errors_total"
	MetricTrackedPeers       = "presence_tracked_peers"
)

// Drop reasons used as label values on the dropped counter.
const (
	DropReasonSelf       = "self"
	DropReasonExpired    = "expired"
	DropReasonReplay     = "replay"
	DropReasonMalformed  = "malformed"
	DropReasonUnverified = "unverified"
)

// Metrics contains Prometheus metrics for the presence engine.
// All operations are thread-safe.
type Metrics struct {
	broadcastsSent     *prometheus.CounterVec
	broadcastsReceived *prometheus.CounterVec
	broadcastsDropped  *prometheus.CounterVec
	listenerErrors     prometheus.Counter
	trackedPeers       prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		broadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBroadcastsSent,
			Help: "Total number of presence broadcasts sent, by broadcast type",
		}, []string{"type"}),
		broadcastsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBroadcastsReceived,
			Help: "Total number of presence broadcasts applied, by broadcast type",
		}, []string{"type"}),
		broadcastsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBroadcastsDropped,
			Help: "Total number of presence broadcasts dropped before state mutation, by reason",
		}, []string{"reason"}),
		listenerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricListenerErrors,
			Help: "Total number of listener panics caught during event emission",
		}),
		trackedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricTrackedPeers,
			Help: "Number of peers currently tracked by the presence manager",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.broadcastsSent,
		m.broadcastsReceived,
		m.broadcastsDropped,
		m.listenerErrors,
		m.trackedPeers,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncBroadcastsSent increments the sent counter for a broadcast type.
func (m *Metrics) IncBroadcastsSent(broadcastType BroadcastType) {
	m.broadcastsSent.WithLabelValues(string(broadcastType)).Inc()
}

// IncBroadcastsReceived increments the received counter for a broadcast type.
func (m *Metrics) IncBroadcastsReceived(broadcastType BroadcastType) {
	m.broadcastsReceived.WithLabelValues(string(broadcastType)).Inc()
}

// IncBroadcastsDropped increments the dropped counter for a reason.
func (m *Metrics) IncBroadcastsDropped(reason string) {
	m.broadcastsDropped.WithLabelValues(reason).Inc()
}

// IncListenerErrors increments the listener error counter.
func (m *Metrics) IncListenerErrors() {
	m.listenerErrors.Inc()
}

// SetTrackedPeers sets the tracked peers gauge.
func (m *Metrics) SetTrackedPeers(n int) {
	m.trackedPeers.Set(float64(n))
}
