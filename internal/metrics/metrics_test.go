package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRequestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRequestMetricsWithRegistry(reg)

	m.Observe("Fetch", 25*time.Millisecond, true)
	m.Observe("Fetch", 5*time.Millisecond, false)
	m.Observe("Produce", time.Millisecond, true)

	metric := &dto.Metric{}
	if err := m.RequestsTotal.WithLabelValues("Fetch", StatusSuccess).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Counter.GetValue(); got != 1 {
		t.Errorf("fetch successes = %f, want 1", got)
	}
	if err := m.RequestsTotal.WithLabelValues("Fetch", StatusFailure).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Counter.GetValue(); got != 1 {
		t.Errorf("fetch failures = %f, want 1", got)
	}
}

func TestRequestMetricsRecoveryAndRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRequestMetricsWithRegistry(reg)

	m.Recovery("topic")
	m.Recovery("topic")
	m.Recovery("group")
	m.Retry()

	metric := &dto.Metric{}
	if err := m.RecoveriesTotal.WithLabelValues("topic").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Counter.GetValue(); got != 2 {
		t.Errorf("topic recoveries = %f, want 2", got)
	}
	if err := m.RetriesTotal.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Counter.GetValue(); got != 1 {
		t.Errorf("retries = %f, want 1", got)
	}
}

func TestConnectionMetricsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConnectionMetricsWithRegistry(reg)

	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()

	metric := &dto.Metric{}
	if err := m.OpenChannels.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Gauge.GetValue(); got != 1 {
		t.Errorf("open channels = %f, want 1", got)
	}

	m.DialFailed()
	if err := m.DialsTotal.WithLabelValues(StatusFailure).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.Counter.GetValue(); got != 1 {
		t.Errorf("failed dials = %f, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var rm *RequestMetrics
	var cm *ConnectionMetrics
	rm.Observe("Fetch", time.Millisecond, true)
	rm.Recovery("topic")
	rm.Retry()
	cm.ChannelOpened()
	cm.ChannelClosed()
	cm.DialFailed()
	cm.BrokerEvicted()
}

func TestServeExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRequestMetricsWithRegistry(reg)
	m.Observe("Metadata", time.Millisecond, true)

	addr, stop, err := Serve("127.0.0.1:0", reg, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "skiff_requests_total") {
		t.Errorf("scrape output missing skiff_requests_total:\n%s", body)
	}
}

func TestServeShutdown(t *testing.T) {
	addr, stop, err := Serve("127.0.0.1:0", prometheus.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("scrape succeeded after shutdown")
	}
}
