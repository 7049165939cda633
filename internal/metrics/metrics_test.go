package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-addons/internal/addons"
	"github.com/keithlinneman/linnemanlabs-addons/internal/cache"
	"github.com/keithlinneman/linnemanlabs-addons/internal/lifecycle"
	"github.com/keithlinneman/linnemanlabs-addons/internal/remote"
	"github.com/keithlinneman/linnemanlabs-addons/internal/task"
	"github.com/keithlinneman/linnemanlabs-addons/internal/version"
)

var (
	_ remote.Metrics        = (*DaemonMetrics)(nil)
	_ cache.Metrics         = (*DaemonMetrics)(nil)
	_ task.Metrics          = (*DaemonMetrics)(nil)
	_ lifecycle.Metrics     = (*DaemonMetrics)(nil)
	_ addons.Metrics        = (*DaemonMetrics)(nil)
	_ addons.WatcherMetrics = (*DaemonMetrics)(nil)
)

func scrape(t *testing.T, m *DaemonMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestNew_ScrapeIncludesCollectors(t *testing.T) {
	body := scrape(t, New())
	for _, name := range []string{
		"go_goroutines",
		"http_inflight_requests",
		"http_panic_total",
		"addon_cache_entries",
		"addon_modules_active",
		"addon_watcher_stale",
		"profiling_active",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in scrape", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1, m2 := New(), New()
	m1.IncHttpPanic()
	m1.IncHttpPanic()

	if v := counterValue(t, m1.reg, "http_panic_total"); v != 2 {
		t.Fatalf("m1 panics = %f, want 2", v)
	}
	if v := counterValue(t, m2.reg, "http_panic_total"); v != 0 {
		t.Fatalf("m2 panics = %f, want 0", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("addond", "daemon", version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildId:   "build-42",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info missing")
	}
	labels := labelMap(f.GetMetric()[0])
	want := map[string]string{
		"app":        "addond",
		"component":  "daemon",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[k], v)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("addond", "daemon", version.Info{Version: "dev"})
	f := gatherMetric(t, m.reg, "build_info")
	if got := labelMap(f.GetMetric()[0])["vcs_dirty"]; got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", got)
	}
}

func TestRemoteMetrics(t *testing.T) {
	m := New()
	m.IncRemoteRequest(remote.EndpointFetch, remote.ResultOK)
	m.IncRemoteRequest(remote.EndpointFetch, remote.ResultOK)
	m.IncRemoteRequest(remote.EndpointList, remote.ResultError)
	m.IncRemoteRetry(remote.EndpointFetch)
	m.IncAuthRefresh()
	m.IncBudgetDenied()

	f := gatherMetric(t, m.reg, "addon_remote_requests_total")
	if f == nil || len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 label sets, got %v", f)
	}
	if v := counterValue(t, m.reg, "addon_remote_retries_total"); v != 1 {
		t.Fatalf("retries = %f", v)
	}
	if v := counterValue(t, m.reg, "addon_remote_auth_refresh_total"); v != 1 {
		t.Fatalf("auth refreshes = %f", v)
	}
	if v := counterValue(t, m.reg, "addon_remote_budget_denied_total"); v != 1 {
		t.Fatalf("budget denied = %f", v)
	}
}

func TestCacheMetrics(t *testing.T) {
	m := New()
	m.IncCacheResult(cache.ResultHit)
	m.IncCacheResult(cache.ResultMiss)
	m.IncCacheEvictions(3)
	m.SetCacheEntries(7)

	if f := gatherMetric(t, m.reg, "addon_cache_lookups_total"); f == nil || len(f.GetMetric()) != 2 {
		t.Fatal("expected hit and miss label sets")
	}
	if v := counterValue(t, m.reg, "addon_cache_evictions_total"); v != 3 {
		t.Fatalf("evictions = %f, want 3", v)
	}
	if v := gaugeValue(t, m.reg, "addon_cache_entries"); v != 7 {
		t.Fatalf("entries = %f, want 7", v)
	}
}

func TestLifecycleMetrics(t *testing.T) {
	m := New()
	m.IncModuleLoad(lifecycle.Loaded.String())
	m.IncModuleLoad(lifecycle.Replaced.String())
	m.IncModuleLoadFailure("lifecycle")
	m.IncModuleUnload()
	m.SetActiveModules(2)
	m.SetRegisteredPoints(5)

	if f := gatherMetric(t, m.reg, "addon_module_loads_total"); f == nil || len(f.GetMetric()) != 2 {
		t.Fatal("expected two outcome label sets")
	}
	if v := counterValue(t, m.reg, "addon_module_load_failures_total"); v != 1 {
		t.Fatalf("failures = %f", v)
	}
	if v := counterValue(t, m.reg, "addon_module_unloads_total"); v != 1 {
		t.Fatalf("unloads = %f", v)
	}
	if v := gaugeValue(t, m.reg, "addon_modules_active"); v != 2 {
		t.Fatalf("active = %f", v)
	}
	if v := gaugeValue(t, m.reg, "addon_extension_points_registered"); v != 5 {
		t.Fatalf("registered = %f", v)
	}
}

func TestPipelineMetrics(t *testing.T) {
	m := New()
	m.IncFetchTimeout(remote.EndpointFetch)
	m.IncIntegrityEviction()
	m.IncExtensionLoad("loaded")
	m.IncExtensionLoad("integrity")
	m.ObserveLoadDuration(0.2)
	m.ObserveLoadDuration(1.5)
	m.SetTasksInFlight(4)

	if v := counterValue(t, m.reg, "addon_fetch_timeouts_total"); v != 1 {
		t.Fatalf("timeouts = %f", v)
	}
	if v := counterValue(t, m.reg, "addon_integrity_evictions_total"); v != 1 {
		t.Fatalf("integrity evictions = %f", v)
	}
	if n := histogramCount(t, m.reg, "addon_extension_load_duration_seconds"); n != 2 {
		t.Fatalf("load duration count = %d, want 2", n)
	}
	if v := gaugeValue(t, m.reg, "addon_tasks_inflight"); v != 4 {
		t.Fatalf("tasks in flight = %f", v)
	}
}

func TestWatcherMetrics(t *testing.T) {
	m := New()
	m.IncWatcherPolls()
	m.IncWatcherUpdates()
	m.IncWatcherError("transient")
	m.IncWatcherError("transient")
	m.IncWatcherError("listing")
	m.SetWatcherLastSuccess(1700000000)

	if v := counterValue(t, m.reg, "addon_watcher_polls_total"); v != 1 {
		t.Fatalf("polls = %f", v)
	}
	if v := counterValue(t, m.reg, "addon_watcher_updates_total"); v != 1 {
		t.Fatalf("updates = %f", v)
	}
	if f := gatherMetric(t, m.reg, "addon_watcher_errors_total"); f == nil || len(f.GetMetric()) != 2 {
		t.Fatal("expected two error types")
	}
	if v := gaugeValue(t, m.reg, "addon_watcher_last_success_timestamp_seconds"); v != 1700000000 {
		t.Fatalf("last success = %f", v)
	}

	m.SetWatcherStale(true)
	if v := gaugeValue(t, m.reg, "addon_watcher_stale"); v != 1 {
		t.Fatalf("stale = %f, want 1", v)
	}
	m.SetWatcherStale(false)
	if v := gaugeValue(t, m.reg, "addon_watcher_stale"); v != 0 {
		t.Fatalf("stale = %f, want 0", v)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 1 {
		t.Fatalf("profiling_active = %f, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 0 {
		t.Fatalf("profiling_active = %f, want 0", v)
	}
}

func TestMiddleware_5xxIncrementsErrorCounter(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if v := counterValue(t, m.reg, "http_errors_total"); v != 1 {
		t.Fatalf("http_errors_total = %f, want 1", v)
	}
}

func TestMiddleware_4xxDoesNotIncrementErrorCounter(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if f := gatherMetric(t, m.reg, "http_errors_total"); f != nil {
		t.Fatal("http_errors_total should not be present after a 404")
	}
}

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
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

// counterValue returns the first sample of a counter family, 0 if absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// histogramCount returns the sample count of the first metric in a histogram family.
func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
