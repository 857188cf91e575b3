package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"symrun/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.ObserveRun(metrics.OutcomeSuccess, 150*time.Millisecond)
	metrics.ObserveRun(metrics.OutcomeTimeout, 2*time.Second)
	metrics.IncrementSignal("SIGTERM")
	metrics.ObserveBatchTask("succeeded")
	metrics.ObserveBatchTask("skipped")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	expectations := []string{
		`symrun_runs_total{outcome="success"} 1`,
		`symrun_runs_total{outcome="timeout"} 1`,
		`symrun_timeouts_total 1`,
		`symrun_run_duration_seconds_count 2`,
		`symrun_signals_sent_total{signal="SIGTERM"} 1`,
		`symrun_batch_tasks_total{result="succeeded"} 1`,
		`symrun_batch_tasks_total{result="skipped"} 1`,
	}
	for _, line := range expectations {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}

	if !strings.Contains(body, "symrun_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}
