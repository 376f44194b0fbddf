package telemetry

import (
	"bytes"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tabletop/session/logging"
)

func TestWrapLogger(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		logger := WrapLogger(nil)
		logger.Printf("ignored %d", 42)
	})

	t.Run("forwards to logger", func(t *testing.T) {
		var buf bytes.Buffer
		base := log.New(&buf, "", 0)
		logger := WrapLogger(base)
		logger.Printf("hello %s", "world")
		if got := buf.String(); got != "hello world\n" {
			t.Fatalf("unexpected log output: %q", got)
		}
	})
}

func TestWrapMetrics(t *testing.T) {
	metrics := logging.Metrics{}
	adapter := WrapMetrics(&metrics)

	adapter.Add("test_counter", 2)
	adapter.Store("test_counter", 5)
	adapter.Add("test_counter", 3)

	snapshot := metrics.Snapshot()
	if got := snapshot["test_counter"]; got != 8 {
		t.Fatalf("unexpected metric value: %d", got)
	}

	var nilAdapter Metrics = WrapMetrics(nil)
	nilAdapter.Add("ignored", 1)
	nilAdapter.Store("ignored", 1)
}

func TestPrometheusExportsCountersAndGauges(t *testing.T) {
	exporter := NewPrometheus(nil)
	exporter.Add("transport_frames_sent_total", 2)
	exporter.Add("transport_frames_sent_total", 3)
	exporter.Store("session_connected_clients", 4)

	if got := testutil.ToFloat64(exporter.counters["transport_frames_sent_total"]); got != 5 {
		t.Fatalf("expected counter 5, got %v", got)
	}
	if got := testutil.ToFloat64(exporter.gauges["session_connected_clients"]); got != 4 {
		t.Fatalf("expected gauge 4, got %v", got)
	}
	count, err := testutil.GatherAndCount(exporter.Registry())
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 metric families, got %d", count)
	}
}

func TestTeeForwardsToEveryBackend(t *testing.T) {
	var first, second logging.Metrics
	tee := Tee(WrapMetrics(&first), nil, WrapMetrics(&second))
	tee.Add("frames", 1)
	tee.Store("clients", 2)
	for i, m := range []*logging.Metrics{&first, &second} {
		snapshot := m.Snapshot()
		if snapshot["frames"] != 1 || snapshot["clients"] != 2 {
			t.Fatalf("backend %d missing updates: %+v", i, snapshot)
		}
	}
}

func TestSanitizeMetricName(t *testing.T) {
	if got := sanitizeMetricName("assets.cache-hit"); got != "assets_cache_hit" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := sanitizeMetricName("9lives"); got != "_lives" {
		t.Fatalf("unexpected name %q", got)
	}
}
