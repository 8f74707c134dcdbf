package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.Requests.Inc()
	m.Requests.Inc()
	if v := counterValue(t, m.Requests); v != 2 {
		t.Fatalf("Requests = %v, want 2", v)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.Requests.Inc()
	m.CacheHitsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "requests") || !strings.Contains(body, "cache_hits_total") {
		t.Fatalf("body missing expected metric names: %s", body)
	}
}

func TestSampleRuntimeSetsGauges(t *testing.T) {
	m := New()
	m.SampleRuntime()

	var g dto.Metric
	if err := m.MemoryUsageBytes.Write(&g); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if g.GetGauge().GetValue() <= 0 {
		t.Fatalf("MemoryUsageBytes = %v, want > 0 after SampleRuntime", g.GetGauge().GetValue())
	}
}
