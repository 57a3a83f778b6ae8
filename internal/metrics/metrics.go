package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// gate metrics
	gateQueueDepth    prometheus.Gauge
	gateInvalidations *prometheus.CounterVec
	gateWait          prometheus.Histogram
	targetValid       *prometheus.GaugeVec

	// compilation metrics
	compilationsTotal  *prometheus.CounterVec
	compileDuration    *prometheus.HistogramVec
	targetFinishedTime *prometheus.GaugeVec

	// bundle watcher metrics
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	bundleLoadDuration   prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// latency buckets reach a minute because a request may be held while its
// target compiles
var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	sizeBuckets    = prometheus.ExponentialBuckets(256, 4, 10)
)

// New builds a private registry with the Go and process collectors plus
// every devserve metric. Labels are bounded: method, chi route pattern,
// status, target name and result.
func New() *ServerMetrics {
	httpLabels := []string{"method", "route"}
	m := &ServerMetrics{
		inflight:       gauge("http_inflight_requests", "Current number of in-flight HTTP requests"),
		reqTotal:       counterVec("http_requests_total", "Total HTTP requests by method, route, and status", "method", "route", "status"),
		reqDur:         histogramVec("http_request_duration_seconds", "Request latency by method and route, including time spent waiting for builds", latencyBuckets, httpLabels...),
		respBytes:      histogramVec("http_response_size_bytes", "Response size by method and route", sizeBuckets, httpLabels...),
		errorsTotal:    counterVec("http_errors_total", "Total 5xx HTTP server errors by method and route", httpLabels...),
		httpPanicTotal: counter("http_panic_total", "Total number of recovered handler panics"),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "build_info", Help: "Build metadata (value is always 1)"},
			[]string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: gauge("profiling_active", "Whether continuous profiling is active (1) or disabled/failed (0)"),

		gateQueueDepth:    gauge("devserve_gate_queue_depth", "Requests currently held until their build targets are stable"),
		gateInvalidations: counterVec("devserve_gate_invalidations_total", "Times a build target was marked invalid", "target"),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devserve_gate_wait_seconds",
			Help:    "Time queued work waited for its targets to become stable",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		targetValid: gaugeVec("devserve_target_valid", "Whether a build target's output is current (1) or compiling (0)", "target"),

		compilationsTotal:  counterVec("devserve_compilations_total", "Finished compilations by target and result", "target", "result"),
		compileDuration:    histogramVec("devserve_compile_duration_seconds", "Time from compilation start to published output", []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}, "target"),
		targetFinishedTime: gaugeVec("devserve_target_last_finished_timestamp_seconds", "Unix timestamp of the last finished compilation per target", "target"),

		watcherPollsTotal:  counter("bundle_watcher_polls_total", "Total number of bundle watcher poll cycles"),
		watcherSwapsTotal:  counter("bundle_watcher_swaps_total", "Total number of bundles published"),
		watcherErrorsTotal: counterVec("bundle_watcher_errors_total", "Total bundle watcher errors by type", "type"),
		bundleLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_load_duration_seconds",
			Help:    "Time to download, verify, and extract a bundle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		watcherLastSuccessTs: gauge("bundle_watcher_last_success_timestamp_seconds", "Unix timestamp of the last successful SSM poll"),
		watcherStale:         gauge("bundle_watcher_stale", "Whether the bundle watcher is stale (1) or healthy (0)"),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.reqTotal, m.reqDur, m.respBytes, m.errorsTotal, m.httpPanicTotal,
		m.buildInfo, m.profilingActive,
		m.gateQueueDepth, m.gateInvalidations, m.gateWait, m.targetValid,
		m.compilationsTotal, m.compileDuration, m.targetFinishedTime,
		m.watcherPollsTotal, m.watcherSwapsTotal, m.watcherErrorsTotal,
		m.bundleLoadDuration, m.watcherLastSuccessTs, m.watcherStale,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
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
	m.profilingActive.Set(boolGauge(active))
}

// gate.Metrics

func (m *ServerMetrics) SetGateQueueDepth(n int) {
	m.gateQueueDepth.Set(float64(n))
}

func (m *ServerMetrics) IncGateInvalidations(target string) {
	m.gateInvalidations.WithLabelValues(target).Inc()
}

func (m *ServerMetrics) ObserveGateWait(seconds float64) {
	m.gateWait.Observe(seconds)
}

func (m *ServerMetrics) SetTargetValid(target string, valid bool) {
	m.targetValid.WithLabelValues(target).Set(boolGauge(valid))
}

// build.Metrics

func (m *ServerMetrics) IncCompilations(target, result string) {
	m.compilationsTotal.WithLabelValues(target, result).Inc()
}

func (m *ServerMetrics) ObserveCompileDuration(target string, seconds float64) {
	m.compileDuration.WithLabelValues(target).Observe(seconds)
}

func (m *ServerMetrics) SetTargetFinished(target string, unixSeconds float64) {
	m.targetFinishedTime.WithLabelValues(target).Set(unixSeconds)
}

// bundle.WatcherMetrics

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveBundleLoadDuration(seconds float64) {
	m.bundleLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
