package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-addons/internal/version"
)

// DaemonMetrics owns the process registry and implements the Metrics
// interfaces declared by cache, remote, task, lifecycle and addons.
type DaemonMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// admin HTTP
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	adminDenied    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// remote
	remoteRequests *prometheus.CounterVec
	remoteRetries  *prometheus.CounterVec
	authRefreshes  prometheus.Counter
	budgetDenied   prometheus.Counter
	fetchTimeouts  *prometheus.CounterVec

	// cache
	cacheResults   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheEntries   prometheus.Gauge

	// pipeline
	integrityEvictions prometheus.Counter
	extensionLoads     *prometheus.CounterVec
	loadDuration       prometheus.Histogram
	tasksInFlight      prometheus.Gauge

	// lifecycle
	moduleLoads        *prometheus.CounterVec
	moduleLoadFailures *prometheus.CounterVec
	moduleUnloads      prometheus.Counter
	activeModules      prometheus.Gauge
	registeredPoints   prometheus.Gauge

	// version watcher
	watcherPollsTotal    prometheus.Counter
	watcherUpdatesTotal  prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry with the standard collectors and every
// daemon metric registered. Labels are bounded: operation names, result
// classes and route patterns only, never keys or module names.
func New() *DaemonMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &DaemonMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight admin HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total admin HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Admin response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx admin HTTP errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered admin handler panics",
		}),
		adminDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total admin requests rejected by the per-client rate limiter",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_remote_requests_total",
			Help: "Remote calls by operation and result",
		}, []string{"op", "result"}),
		remoteRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_remote_retries_total",
			Help: "Remote call retries by operation",
		}, []string{"op"}),
		authRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_remote_auth_refresh_total",
			Help: "Credential refreshes triggered by a 401 response",
		}),
		budgetDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_remote_budget_denied_total",
			Help: "Remote calls refused by the local call budget",
		}),
		fetchTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_fetch_timeouts_total",
			Help: "Waits on a worker that hit the request timeout, by operation",
		}, []string{"op"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, stale, rate_limited)",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_cache_evictions_total",
			Help: "Cache entries removed by listing GC or integrity failures",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_cache_entries",
			Help: "Number of encrypted payloads currently cached",
		}),
		integrityEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_integrity_evictions_total",
			Help: "Cached payloads evicted after failing MAC or signature checks",
		}),
		extensionLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_extension_loads_total",
			Help: "End-to-end extension loads by outcome or failure class",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "addon_extension_load_duration_seconds",
			Help:    "Time to fetch, decrypt, verify, and install an extension",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_tasks_inflight",
			Help: "Background tasks submitted and not yet finished",
		}),
		moduleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_module_loads_total",
			Help: "Module installs by outcome (loaded, replaced, unchanged)",
		}, []string{"outcome"}),
		moduleLoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_module_load_failures_total",
			Help: "Module installs rolled back, by failure class",
		}, []string{"reason"}),
		moduleUnloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_module_unloads_total",
			Help: "Modules unloaded",
		}),
		activeModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_modules_active",
			Help: "Number of modules in the active state",
		}),
		registeredPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_extension_points_registered",
			Help: "Number of extension points currently visible in the host",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_watcher_polls_total",
			Help: "Total number of version check cycles",
		}),
		watcherUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "addon_watcher_updates_total",
			Help: "Total number of new extension versions stored",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "addon_watcher_errors_total",
			Help: "Total version watcher errors by type",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last cycle that reached the remote",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "addon_watcher_stale",
			Help: "Whether cached extensions are stale (1) or verified recently (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.adminDenied,
		m.buildInfo,
		m.profilingActive,
		m.remoteRequests,
		m.remoteRetries,
		m.authRefreshes,
		m.budgetDenied,
		m.fetchTimeouts,
		m.cacheResults,
		m.cacheEvictions,
		m.cacheEntries,
		m.integrityEvictions,
		m.extensionLoads,
		m.loadDuration,
		m.tasksInFlight,
		m.moduleLoads,
		m.moduleLoadFailures,
		m.moduleUnloads,
		m.activeModules,
		m.registeredPoints,
		m.watcherPollsTotal,
		m.watcherUpdatesTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *DaemonMetrics) Handler() http.Handler {
	return m.handler
}

func (m *DaemonMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *DaemonMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
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

func (m *DaemonMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// IncRateLimitDenied counts admin requests denied by the keyed limiter.
func (m *DaemonMetrics) IncRateLimitDenied() {
	m.adminDenied.Inc()
}

// IncBudgetDenied counts remote calls refused by the call-budget window.
func (m *DaemonMetrics) IncBudgetDenied() {
	m.budgetDenied.Inc()
}

// remote.Metrics

func (m *DaemonMetrics) IncRemoteRequest(op, result string) {
	m.remoteRequests.WithLabelValues(op, result).Inc()
}

func (m *DaemonMetrics) IncRemoteRetry(op string) {
	m.remoteRetries.WithLabelValues(op).Inc()
}

func (m *DaemonMetrics) IncAuthRefresh() {
	m.authRefreshes.Inc()
}

// cache.Metrics

func (m *DaemonMetrics) IncCacheResult(result string) {
	m.cacheResults.WithLabelValues(result).Inc()
}

func (m *DaemonMetrics) IncCacheEvictions(n int) {
	m.cacheEvictions.Add(float64(n))
}

func (m *DaemonMetrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// task.Metrics

func (m *DaemonMetrics) SetTasksInFlight(n int) {
	m.tasksInFlight.Set(float64(n))
}

// lifecycle.Metrics

func (m *DaemonMetrics) IncModuleLoad(outcome string) {
	m.moduleLoads.WithLabelValues(outcome).Inc()
}

func (m *DaemonMetrics) IncModuleLoadFailure(reason string) {
	m.moduleLoadFailures.WithLabelValues(reason).Inc()
}

func (m *DaemonMetrics) IncModuleUnload() {
	m.moduleUnloads.Inc()
}

func (m *DaemonMetrics) SetActiveModules(n int) {
	m.activeModules.Set(float64(n))
}

// SetRegisteredPoints is wired to host.Registry.OnChange.
func (m *DaemonMetrics) SetRegisteredPoints(n int) {
	m.registeredPoints.Set(float64(n))
}

// addons.Metrics

func (m *DaemonMetrics) IncFetchTimeout(op string) {
	m.fetchTimeouts.WithLabelValues(op).Inc()
}

func (m *DaemonMetrics) IncIntegrityEviction() {
	m.integrityEvictions.Inc()
}

func (m *DaemonMetrics) IncExtensionLoad(result string) {
	m.extensionLoads.WithLabelValues(result).Inc()
}

func (m *DaemonMetrics) ObserveLoadDuration(seconds float64) {
	m.loadDuration.Observe(seconds)
}

// addons.WatcherMetrics

func (m *DaemonMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *DaemonMetrics) IncWatcherUpdates() {
	m.watcherUpdatesTotal.Inc()
}

func (m *DaemonMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *DaemonMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *DaemonMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
