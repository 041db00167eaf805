package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionMetrics holds metrics related to broker channels.
type ConnectionMetrics struct {
	// OpenChannels tracks the current number of open broker channels.
	OpenChannels prometheus.Gauge

	// DialsTotal tracks channel dial attempts by outcome.
	DialsTotal *prometheus.CounterVec

	// EvictionsTotal tracks brokers evicted after channel failures.
	EvictionsTotal prometheus.Counter
}

// NewConnectionMetrics creates and registers connection metrics with the
// default registry.
func NewConnectionMetrics() *ConnectionMetrics {
	return newConnectionMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewConnectionMetricsWithRegistry creates connection metrics registered
// with a custom registry. Useful for testing to avoid conflicts with the
// default registry.
func NewConnectionMetricsWithRegistry(reg prometheus.Registerer) *ConnectionMetrics {
	return newConnectionMetrics(promauto.With(reg))
}

func newConnectionMetrics(factory promauto.Factory) *ConnectionMetrics {
	return &ConnectionMetrics{
		OpenChannels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skiff",
				Subsystem: "channels",
				Name:      "open",
				Help:      "Current number of open broker channels.",
			},
		),
		DialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skiff",
				Subsystem: "channels",
				Name:      "dials_total",
				Help:      "Total channel dial attempts, broken down by outcome.",
			},
			[]string{"status"},
		),
		EvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skiff",
				Subsystem: "channels",
				Name:      "evictions_total",
				Help:      "Total brokers evicted after channel failures.",
			},
		),
	}
}

// ChannelOpened records a successful dial. Nil-safe.
func (m *ConnectionMetrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(StatusSuccess).Inc()
	m.OpenChannels.Inc()
}

// ChannelClosed records a channel teardown. Nil-safe.
func (m *ConnectionMetrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.OpenChannels.Dec()
}

// DialFailed records a failed dial attempt. Nil-safe.
func (m *ConnectionMetrics) DialFailed() {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(StatusFailure).Inc()
}

// BrokerEvicted records a broker eviction. Nil-safe.
func (m *ConnectionMetrics) BrokerEvicted() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}
