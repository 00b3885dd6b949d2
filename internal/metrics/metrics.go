package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	errorsTotal    *prometheus.CounterVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// pattern battery
	patternChecksTotal   *prometheus.CounterVec
	patternCheckDuration prometheus.Histogram

	// content screening
	screensTotal  *prometheus.CounterVec
	findingsTotal *prometheus.CounterVec

	// credential manager
	credentialObtainTotal *prometheus.CounterVec

	// admission pipeline
	commitsTotal *prometheus.CounterVec
	commitBytes  prometheus.Histogram

	// portfolio watcher
	sweepsTotal        prometheus.Counter
	portfolioFindings  prometheus.Counter
	watcherErrorsTotal *prometheus.CounterVec
	lastSweepTs        prometheus.Gauge

	// security event stream
	eventsTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + domain metrics
// safe labels only (bounded outcome/kind vocabularies) to avoid cardinality explosions
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
			Help: "Total number of recovered ops handler panics",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		patternChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_checks_total",
			Help: "Total pattern checks by outcome (match, no_match, timeout, too_large, error)",
		}, []string{"outcome"}),
		patternCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_check_duration_seconds",
			Help:    "Wall-clock time spent per pattern check",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		screensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "content_screens_total",
			Help: "Total content screens by outcome (clean, sanitized, rejected, error)",
		}, []string{"outcome"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_findings_total",
			Help: "Total screen findings by detector family",
		}, []string{"family"}),
		credentialObtainTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credential_obtain_total",
			Help: "Total credential obtain attempts by outcome (cache_hit, validated, rate_limited, ...)",
		}, []string{"outcome"}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "element_commits_total",
			Help: "Total element commit attempts by outcome (committed, veto, source_denied, ...)",
		}, []string{"outcome"}),
		commitBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "element_commit_bytes",
			Help:    "Size of committed elements in bytes",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_sweeps_total",
			Help: "Total portfolio sweep cycles completed",
		}),
		portfolioFindings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_findings_total",
			Help: "Total portfolio files flagged by a re-screen",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_watcher_errors_total",
			Help: "Total portfolio watcher errors by kind (session, notify, sweep, read)",
		}, []string{"kind"}),
		lastSweepTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_last_sweep_timestamp_seconds",
			Help: "Unix timestamp of the last successful portfolio sweep",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Total security events emitted by type and severity",
		}, []string{"type", "severity"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.errorsTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.patternChecksTotal,
		m.patternCheckDuration,
		m.screensTotal,
		m.findingsTotal,
		m.credentialObtainTotal,
		m.commitsTotal,
		m.commitBytes,
		m.sweepsTotal,
		m.portfolioFindings,
		m.watcherErrorsTotal,
		m.lastSweepTs,
		m.eventsTotal,
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

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
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

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// patterns.Metrics

func (m *ServerMetrics) IncCheck(outcome string) {
	m.patternChecksTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) ObserveCheckDuration(seconds float64) {
	m.patternCheckDuration.Observe(seconds)
}

// screen.Metrics

func (m *ServerMetrics) IncScreen(outcome string) {
	m.screensTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncFinding(family string) {
	m.findingsTotal.WithLabelValues(family).Inc()
}

// credential.Metrics

func (m *ServerMetrics) IncObtain(outcome string) {
	m.credentialObtainTotal.WithLabelValues(outcome).Inc()
}

// admit.Metrics

func (m *ServerMetrics) IncCommit(outcome string) {
	m.commitsTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) ObserveCommitBytes(n int) {
	m.commitBytes.Observe(float64(n))
}

// portfolio.Metrics

func (m *ServerMetrics) IncSweeps() {
	m.sweepsTotal.Inc()
}

func (m *ServerMetrics) IncFlagged() {
	m.portfolioFindings.Inc()
}

func (m *ServerMetrics) IncWatcherError(kind string) {
	m.watcherErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) SetLastSweep(unixSeconds float64) {
	m.lastSweepTs.Set(unixSeconds)
}

// events.Metrics

func (m *ServerMetrics) IncEvent(typ, severity string) {
	m.eventsTotal.WithLabelValues(typ, severity).Inc()
}

// RegisterEventDropped exposes the audit store's drop counter. The store
// tracks drops itself; a CounterFunc reads it at scrape time.
func (m *ServerMetrics) RegisterEventDropped(read func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "security_events_dropped_total",
		Help: "Total security events dropped by a full store queue",
	}, read))
}
