package boxedr

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bpowers/boxedr/interp"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus
// metrics on a private registry.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	state            prometheus.Gauge

	spawnDuration *prometheus.HistogramVec
	initDuration  *prometheus.HistogramVec

	cacheRestores  *prometheus.CounterVec
	restoreSeconds prometheus.Histogram
	mirrorDuration *prometheus.HistogramVec
	mirroredBytes  prometheus.Counter
	installed      prometheus.Counter
	installSeconds prometheus.Histogram

	runDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// slow operations: interpreter start, installs, mirrors
var slowBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "boxedr"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)
	pmc.state = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "Current session state (0 uninitialized, 1 initializing, 2 ready, 3 failed)",
	})

	pmc.spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interpreter_spawn_duration_seconds",
			Help:      "Duration of interpreter launch attempts",
			Buckets:   slowBuckets,
		},
		[]string{"channel", "status"},
	)
	pmc.initDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "initialize_duration_seconds",
			Help:      "Duration of cold starts",
			Buckets:   slowBuckets,
		},
		[]string{"status", "stage"},
	)

	pmc.cacheRestores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_restores_total",
			Help:      "Library restore attempts by outcome",
		},
		[]string{"outcome"},
	)
	pmc.restoreSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cache_restore_duration_seconds",
		Help:      "Duration of library restores",
		Buckets:   slowBuckets,
	})
	pmc.mirrorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_mirror_duration_seconds",
			Help:      "Duration of library mirror passes",
			Buckets:   slowBuckets,
		},
		[]string{"status"},
	)
	pmc.mirroredBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_mirrored_bytes_total",
		Help:      "Bytes written to the persistent store by mirror passes",
	})
	pmc.installed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packages_installed_total",
		Help:      "Packages installed by cold starts",
	})
	pmc.installSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "package_install_duration_seconds",
		Help:      "Duration of package install passes",
		Buckets:   slowBuckets,
	})

	pmc.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of script runs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.state,
		pmc.spawnDuration,
		pmc.initDuration,
		pmc.cacheRestores,
		pmc.restoreSeconds,
		pmc.mirrorDuration,
		pmc.mirroredBytes,
		pmc.installed,
		pmc.installSeconds,
		pmc.runDuration,
	)

	return pmc
}

// Registry returns the registry holding the collector's metrics.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (pmc *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pmc.registry, promhttp.HandlerOpts{})
}

func (pmc *PrometheusMetricsCollector) StateTransition(from, to State) {
	pmc.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	pmc.state.Set(float64(to))
}

func (pmc *PrometheusMetricsCollector) SpawnAttempt(channel interp.Channel, duration time.Duration, err error) {
	pmc.spawnDuration.WithLabelValues(string(channel), status(err)).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) InitDuration(duration time.Duration, stage Stage) {
	st := "success"
	if stage != "" {
		st = "error"
	}
	pmc.initDuration.WithLabelValues(st, string(stage)).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) CacheRestore(outcome string, duration time.Duration) {
	pmc.cacheRestores.WithLabelValues(outcome).Inc()
	pmc.restoreSeconds.Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) CacheMirror(files int, bytes int64, duration time.Duration, err error) {
	pmc.mirrorDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
	if err == nil {
		pmc.mirroredBytes.Add(float64(bytes))
	}
}

func (pmc *PrometheusMetricsCollector) PackagesInstalled(count int, duration time.Duration) {
	pmc.installed.Add(float64(count))
	pmc.installSeconds.Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) RunDuration(duration time.Duration, kind ErrorKind) {
	st := "success"
	switch kind {
	case KindParse:
		st = "parse_error"
	case KindEmptyResult:
		st = "empty_result"
	case KindInvalidResult:
		st = "invalid_result"
	case KindRuntime:
		st = "runtime_error"
	}
	pmc.runDuration.WithLabelValues(st).Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
