package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arthiv/sessiongate/internal/version"
)

type ServerMetrics struct {
	reg      *prometheus.Registry
	handler  http.Handler
	inflight prometheus.Gauge

	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	httpPanicTotal prometheus.Counter
	errorsTotal    *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	// admission metrics
	sessionDeniedTotal      prometheus.Counter
	sessionRegisteredTotal  prometheus.Counter
	sessionReleasedTotal    prometheus.Counter
	requestRateLimitedTotal prometheus.Counter
	sessionsReclaimedTotal  prometheus.Counter

	// flood limiter metrics
	floodDeniedTotal   prometheus.Counter
	floodCapacityTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		sessionDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_sessions_denied_total",
			Help: "Total session registrations denied by the per-device cap",
		}),
		sessionRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_sessions_registered_total",
			Help: "Total sessions registered",
		}),
		sessionReleasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_sessions_released_total",
			Help: "Total sessions released",
		}),
		requestRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_requests_rate_limited_total",
			Help: "Total requests rejected by the per-device sliding window",
		}),
		sessionsReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_sessions_reclaimed_total",
			Help: "Total idle sessions reaped by the background sweeper",
		}),
		floodDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_flood_limited_total",
			Help: "Total requests rejected by the per-IP flood limiter",
		}),
		floodCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_flood_capacity_total",
			Help: "Total number of times flood limiter peer capacity was reached",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.errorsTotal,
		m.buildInfo,
		m.sessionDeniedTotal,
		m.sessionRegisteredTotal,
		m.sessionReleasedTotal,
		m.requestRateLimitedTotal,
		m.sessionsReclaimedTotal,
		m.floodDeniedTotal,
		m.floodCapacityTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// RegisterSessionGauges exposes live registry occupancy. The callbacks are
// invoked at scrape time, so they must be cheap and concurrency-safe.
func (m *ServerMetrics) RegisterSessionGauges(activeSessions, activeDevices func() float64) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "admission_active_sessions",
			Help: "Current number of registered sessions across all devices",
		}, activeSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "admission_active_devices",
			Help: "Current number of devices with at least one registered session",
		}, activeDevices),
	)
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) IncSessionDenied() {
	m.sessionDeniedTotal.Inc()
}

func (m *ServerMetrics) IncSessionRegistered() {
	m.sessionRegisteredTotal.Inc()
}

func (m *ServerMetrics) IncSessionReleased() {
	m.sessionReleasedTotal.Inc()
}

func (m *ServerMetrics) IncRequestRateLimited() {
	m.requestRateLimitedTotal.Inc()
}

func (m *ServerMetrics) AddSessionsReclaimed(n int) {
	m.sessionsReclaimedTotal.Add(float64(n))
}

func (m *ServerMetrics) IncFloodDenied() {
	m.floodDeniedTotal.Inc()
}

func (m *ServerMetrics) IncFloodCapacity() {
	m.floodCapacityTotal.Inc()
}
