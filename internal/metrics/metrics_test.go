package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_ServesTextFormat(t *testing.T) {
	r := New()
	r.ReconcileCycles.WithLabelValues("ok").Inc()
	r.AgentsSpawned.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "orchestra_reconcile_cycles_total") {
		t.Fatalf("expected reconcile cycle metric in output, got: %s", body)
	}
	if !strings.Contains(body, "orchestra_agents_spawned_total 1") {
		t.Fatalf("expected agents_spawned_total=1 in output, got: %s", body)
	}
}
