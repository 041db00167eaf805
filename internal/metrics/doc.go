// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the request engine and the broker
// channels:
//   - Request latency (p50, p99, p999) broken down by API and success/failure
//   - Request counters by API and status
//   - Recovery rounds by route type (bootstrap, topic, group, all-brokers)
//   - Retry counter (for computing retries/second via rate())
//   - Dial attempts by outcome and the open-channel gauge
//
// Metrics are exposed via a dedicated HTTP listener on /metrics in
// Prometheus format when the process asks for one.
//
// Usage:
//
//	reqMetrics := metrics.NewRequestMetrics()
//	connMetrics := metrics.NewConnectionMetrics()
//
//	// Wire into the handle, then expose the scrape endpoint
//	addr, stop, err := metrics.Serve(":9090", nil, nil)
package metrics
