package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatusSuccess is the label value for successful requests.
const StatusSuccess = "success"

// StatusFailure is the label value for failed requests.
const StatusFailure = "failure"

// DefaultRequestLatencyBuckets are latency buckets for routed requests.
// Designed to capture p50, p99, p999 accurately across LAN round-trips and
// recovery rounds that include backoff sleeps.
var DefaultRequestLatencyBuckets = []float64{
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
	10.0,   // 10s
	30.0,   // 30s
}

// RequestMetrics holds metrics related to routed requests.
type RequestMetrics struct {
	// LatencyHistogram tracks end-to-end request latency, recovery rounds
	// included. Labels: api, status.
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total requests by API and status.
	RequestsTotal *prometheus.CounterVec

	// RecoveriesTotal tracks recovery rounds by route type.
	RecoveriesTotal *prometheus.CounterVec

	// RetriesTotal tracks retry rounds across all requests.
	RetriesTotal prometheus.Counter
}

// NewRequestMetrics creates and registers request metrics with the default
// registry.
func NewRequestMetrics() *RequestMetrics {
	return newRequestMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewRequestMetricsWithRegistry creates request metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default
// registry.
func NewRequestMetricsWithRegistry(reg prometheus.Registerer) *RequestMetrics {
	return newRequestMetrics(promauto.With(reg))
}

func newRequestMetrics(factory promauto.Factory) *RequestMetrics {
	return &RequestMetrics{
		LatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "skiff",
				Subsystem: "requests",
				Name:      "latency_seconds",
				Help:      "End-to-end request latency in seconds, broken down by API and status.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"api", "status"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skiff",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Total number of requests, broken down by API and status.",
			},
			[]string{"api", "status"},
		),
		RecoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skiff",
				Subsystem: "requests",
				Name:      "recoveries_total",
				Help:      "Total number of recovery rounds, broken down by route type.",
			},
			[]string{"route"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skiff",
				Subsystem: "requests",
				Name:      "retries_total",
				Help:      "Total number of retry rounds across all requests.",
			},
		),
	}
}

// Observe records one finished request. Nil-safe.
func (m *RequestMetrics) Observe(api string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(api, status).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(api, status).Inc()
}

// Recovery records one recovery round for a route type. Nil-safe.
func (m *RequestMetrics) Recovery(route string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(route).Inc()
}

// Retry records one retry round. Nil-safe.
func (m *RequestMetrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
