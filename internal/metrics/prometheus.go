package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
)

const (
	promNamespace   = "voice_mesh"
	promContentType = "text/plain; version=0.0.4; charset=utf-8"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// PrometheusHandler serves the registry in the Prometheus text format. Event
// counters share one metric keyed by an `event` label; each gauge is its own
// metric.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", promContentType)
		writeCounters(w, m.Snapshot())
		writeGauges(w, m.Gauges())
	})
}

func writeCounters(w io.Writer, snap map[string]uint64) {
	name := promNamespace + "_events_total"
	fmt.Fprintf(w, "# HELP %s Internal event counters.\n", name)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", name, labelEscaper.Replace(k), snap[k])
	}
}

func writeGauges(w io.Writer, gauges map[string]int) {
	for _, k := range slices.Sorted(maps.Keys(gauges)) {
		name := promNamespace + "_" + sanitizeMetricName(k)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n", name, gauges[k])
	}
}

// sanitizeMetricName maps anything outside [a-zA-Z0-9_] to '_'.
func sanitizeMetricName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
