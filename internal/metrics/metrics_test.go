package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/arthiv/sessiongate/internal/version"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) != 1 {
		t.Fatalf("metric %q has %d series, want 1", name, len(f.GetMetric()))
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()

	// MustRegister in New() would panic if any metric failed to register.
	// Verify the registry is functional by scraping it.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	// Non-Vec metrics (gauge, counter) appear immediately
	immediateMetrics := []string{
		"http_inflight_requests",
		"http_panic_total",
		"admission_sessions_denied_total",
		"admission_requests_rate_limited_total",
		"admission_sessions_reclaimed_total",
		"http_requests_flood_limited_total",
	}
	for _, name := range immediateMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}

	// Go/process collectors should be present
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector metrics missing")
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.IncSessionDenied()

	if got := counterValue(t, a.reg, "admission_sessions_denied_total"); got != 1 {
		t.Fatalf("a counter = %f, want 1", got)
	}
	if got := counterValue(t, b.reg, "admission_sessions_denied_total"); got != 0 {
		t.Fatalf("b counter = %f, want 0 (registries not isolated)", got)
	}
}

func TestAdmissionCounters(t *testing.T) {
	m := New()

	m.IncSessionDenied()
	m.IncSessionDenied()
	m.IncSessionRegistered()
	m.IncSessionReleased()
	m.IncRequestRateLimited()
	m.IncRequestRateLimited()
	m.IncRequestRateLimited()
	m.AddSessionsReclaimed(5)

	checks := map[string]float64{
		"admission_sessions_denied_total":       2,
		"admission_sessions_registered_total":   1,
		"admission_sessions_released_total":     1,
		"admission_requests_rate_limited_total": 3,
		"admission_sessions_reclaimed_total":    5,
	}
	for name, want := range checks {
		if got := counterValue(t, m.reg, name); got != want {
			t.Errorf("%s = %f, want %f", name, got, want)
		}
	}
}

func TestFloodCounters(t *testing.T) {
	m := New()

	m.IncFloodDenied()
	m.IncFloodDenied()
	m.IncFloodCapacity()

	if got := counterValue(t, m.reg, "http_requests_flood_limited_total"); got != 2 {
		t.Fatalf("flood denied = %f, want 2", got)
	}
	if got := counterValue(t, m.reg, "http_requests_flood_capacity_total"); got != 1 {
		t.Fatalf("flood capacity = %f, want 1", got)
	}
}

func TestIncHttpPanic(t *testing.T) {
	m := New()

	m.IncHttpPanic()
	m.IncHttpPanic()
	m.IncHttpPanic()

	val := counterValue(t, m.reg, "http_panic_total")
	if val != 3 {
		t.Fatalf("http_panic_total = %f, want 3", val)
	}
}

func TestRegisterSessionGauges(t *testing.T) {
	m := New()

	sessions, devices := 7.0, 3.0
	m.RegisterSessionGauges(
		func() float64 { return sessions },
		func() float64 { return devices },
	)

	f := gatherMetric(t, m.reg, "admission_active_sessions")
	if f == nil {
		t.Fatal("admission_active_sessions not found")
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 7 {
		t.Fatalf("active sessions = %f, want 7", got)
	}

	// gauge funcs are evaluated at scrape time
	sessions = 2
	f = gatherMetric(t, m.reg, "admission_active_sessions")
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("active sessions after change = %f, want 2", got)
	}

	f = gatherMetric(t, m.reg, "admission_active_devices")
	if f == nil {
		t.Fatal("admission_active_devices not found")
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("active devices = %f, want 3", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()

	dirty := true
	vi := version.Info{
		Version:    "1.2.3",
		Commit:     "abc123",
		CommitDate: "2025-01-01",
		BuildId:    "build-42",
		BuildDate:  "2025-01-01T00:00:00Z",
		GoVersion:  "go1.24.0",
		VCSDirty:   &dirty,
	}

	m.SetBuildInfoFromVersion("sessiongate", "server", &vi)

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info metric not found")
	}

	metrics := f.GetMetric()
	if len(metrics) != 1 {
		t.Fatalf("build_info metric count = %d, want 1", len(metrics))
	}
	if metrics[0].GetGauge().GetValue() != 1 {
		t.Fatalf("build_info value = %f, want 1", metrics[0].GetGauge().GetValue())
	}

	labels := make(map[string]string)
	for _, lp := range metrics[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}

	checks := map[string]string{
		"app":        "sessiongate",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, want := range checks {
		if got := labels[k]; got != want {
			t.Errorf("build_info label %q = %q, want %q", k, got, want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()

	vi := version.Info{
		Version:  "dev",
		VCSDirty: nil,
	}

	m.SetBuildInfoFromVersion("app", "comp", &vi)

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info not found")
	}

	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}

	if labels["vcs_dirty"] != "unknown" {
		t.Fatalf("vcs_dirty = %q, want %q (nil should map to unknown)", labels["vcs_dirty"], "unknown")
	}
}

func TestHandler_ContentType(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	ct := rec.Header().Get("Content-Type")
	if ct == "" {
		t.Fatal("no Content-Type header")
	}
}
