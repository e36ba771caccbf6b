package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveCommandRecordsCountAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBridgeCollector(reg)
	if err != nil {
		t.Fatalf("NewBridgeCollector: %v", err)
	}

	collector.ObserveCommand("EXECUTE_APPLICATION", "success", 2*time.Millisecond)
	collector.ObserveCommand("EXECUTE_APPLICATION", "failure", time.Millisecond)

	if got := testutil.ToFloat64(collector.Commands.WithLabelValues("EXECUTE_APPLICATION", "success")); got != 1 {
		t.Fatalf("bridge_commands_total{success} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "bridge_command_duration_seconds", map[string]string{
		"command": "EXECUTE_APPLICATION",
	}); count != 2 {
		t.Fatalf("bridge_command_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestRecorderMethodsDriveGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBridgeCollector(reg)
	if err != nil {
		t.Fatalf("NewBridgeCollector: %v", err)
	}

	collector.SetSessionCounts(4, 9)
	collector.AddMessagesGenerated(3)
	collector.AddMessagesGenerated(0)
	collector.AddNotificationResults(2, 1)
	collector.SetTimeStep(17)
	collector.SetSessionActive(true)

	checks := map[string]struct {
		c    prometheus.Collector
		want float64
	}{
		"registered": {collector.RegisteredMessages, 4},
		"vehicles":   {collector.VehiclesInArea, 9},
		"generated":  {collector.MessagesGenerated, 3},
		"matched":    {collector.Notifications.WithLabelValues("matched"), 2},
		"unmatched":  {collector.Notifications.WithLabelValues("unmatched"), 1},
		"timestep":   {collector.CurrentTimeStep, 17},
		"active":     {collector.SessionActive, 1},
	}
	for name, check := range checks {
		if got := testutil.ToFloat64(check.c); got != check.want {
			t.Fatalf("%s = %v, want %v", name, got, check.want)
		}
	}
}

func TestNewBridgeCollectorTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewBridgeCollector(reg)
	if err != nil {
		t.Fatalf("first NewBridgeCollector: %v", err)
	}
	second, err := NewBridgeCollector(reg)
	if err != nil {
		t.Fatalf("second NewBridgeCollector: %v", err)
	}
	first.AddMessagesGenerated(1)
	if got := testutil.ToFloat64(second.MessagesGenerated); got != 1 {
		t.Fatalf("second collector should share the registered counter, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *BridgeCollector
	c.ObserveCommand("CLOSE", "success", time.Millisecond)
	c.SetSessionCounts(1, 1)
	c.AddNotificationResults(1, 1)
	c.SetTimeStep(1)
	c.SetSessionActive(false)
}

func TestMetricsHandlerExposesBridgeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBridgeCollector(reg)
	if err != nil {
		t.Fatalf("NewBridgeCollector: %v", err)
	}
	collector.ObserveCommand("CLOSE", "success", time.Millisecond)
	collector.AddNotificationResults(1, 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"bridge_commands_total",
		"bridge_command_duration_seconds",
		"bridge_message_notifications_total",
		"bridge_messages_generated_total",
		"bridge_registered_messages",
		"bridge_vehicles_in_area",
		"bridge_simulation_timestep",
		"bridge_session_active",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
