package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Register latches a package-level flag, so one test exercises the whole
// surface against a single registry.
func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("api")
	IncStart("api")
	IncStop("api")
	IncAutoRestart("api")
	ObserveHealthCheck("api", 0.02, true)
	SetBreakerState("api", "open")
	RecordStateTransition("api", "starting", "running")
	SetRunningServices(2)
	IncKillEscalation("api")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"stackd_service_starts_total":            false,
		"stackd_service_stops_total":             false,
		"stackd_service_auto_restarts_total":     false,
		"stackd_health_check_duration_seconds":   false,
		"stackd_health_check_failures_total":     false,
		"stackd_breaker_state":                   false,
		"stackd_service_state_transitions_total": false,
		"stackd_service_running":                 false,
		"stackd_kill_escalations_total":          false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	// Breaker states encode as closed=0, half_open=1, open=2.
	for st, want := range map[string]float64{"closed": 0, "half_open": 1, "open": 2} {
		SetBreakerState("api", st)
		if got := gatherBreakerGauge(t, reg, "api"); got != want {
			t.Fatalf("breaker %s: expected %v, got %v", st, want, got)
		}
	}
}

func gatherBreakerGauge(t *testing.T, reg *prometheus.Registry, service string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "stackd_breaker_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service" && l.GetValue() == service {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("breaker gauge for %s not found", service)
	return 0
}

func TestHandlerServesExposition(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "# ") {
		t.Fatalf("expected prometheus exposition output")
	}
}
