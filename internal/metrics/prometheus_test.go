package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type=%q", ct)
	}
	return rr.Body.String()
}

func TestPrometheusHandler_Counters(t *testing.T) {
	m := New()
	m.Inc(MeshOffersSent)
	m.Add(SignalsDroppedStale, 3)
	m.Inc("odd\"name\\")

	body := scrape(t, m)
	for _, want := range []string{
		"# TYPE voice_mesh_events_total counter",
		`voice_mesh_events_total{event="mesh_offers_sent"} 1`,
		`voice_mesh_events_total{event="signals_dropped_stale"} 3`,
		`voice_mesh_events_total{event="odd\"name\\"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Index(body, "mesh_offers_sent") > strings.Index(body, "signals_dropped_stale") {
		t.Fatalf("counters not sorted:\n%s", body)
	}
}

func TestPrometheusHandler_GaugesSampledPerScrape(t *testing.T) {
	m := New()
	live := 2
	m.RegisterGauge(GaugeRelayConnections, func() int { return live })
	m.RegisterGauge("weird-name", func() int { return 7 })

	body := scrape(t, m)
	for _, want := range []string{
		"# TYPE voice_mesh_relay_active_connections gauge",
		"voice_mesh_relay_active_connections 2",
		"voice_mesh_weird_name 7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}

	live = 5
	if body := scrape(t, m); !strings.Contains(body, "voice_mesh_relay_active_connections 5") {
		t.Fatalf("gauge not resampled:\n%s", body)
	}
}

func TestPrometheusHandler_NilRegistry(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(RelayWrites)
	m.RegisterGauge(GaugeStoreRecords, func() int { return 1 })
	if m.Get(RelayWrites) != 0 || m.Snapshot() != nil || m.Gauges() != nil {
		t.Fatalf("nil registry recorded data")
	}
}
