package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/synthmon/platform/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "synthmon",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synthmon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	runExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Total number of sandboxed test runs, by terminal status.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "synthmon",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of sandboxed test runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"status"},
	)

	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler tick loop iterations.",
		},
		[]string{"result"},
	)

	schedulerBackoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "scheduler",
			Name:      "backoff_reschedules_total",
			Help:      "Total number of reschedules that applied the failure backoff multiplier.",
		},
		[]string{"subject_kind"},
	)

	schedulerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "synthmon",
			Subsystem: "scheduler",
			Name:      "global_inflight",
			Help:      "Current number of globally in-flight scheduled runs.",
		},
	)

	alertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "alerts",
			Name:      "dispatched_total",
			Help:      "Total number of alert messages dispatched, by transition direction.",
		},
		[]string{"direction"},
	)

	alertEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synthmon",
			Subsystem: "alerts",
			Name:      "escalations_total",
			Help:      "Total number of DOWN transitions handed to the escalation investigator, by outcome.",
		},
		[]string{"outcome"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		runExecutions,
		runDuration,
		schedulerTicks,
		schedulerBackoffs,
		schedulerInFlight,
		alertsDispatched,
		alertEscalations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordRun records a terminal sandboxed run outcome.
func RecordRun(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	runExecutions.WithLabelValues(status).Inc()
	runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSchedulerTick records one tick of the scheduler loop.
func RecordSchedulerTick(result string) {
	schedulerTicks.WithLabelValues(result).Inc()
}

// RecordSchedulerBackoff records a reschedule that applied the failure
// backoff multiplier for the given subject kind ("test" or "domain").
func RecordSchedulerBackoff(subjectKind string) {
	schedulerBackoffs.WithLabelValues(subjectKind).Inc()
}

// SetSchedulerInFlight reports the current global in-flight run count.
func SetSchedulerInFlight(n int) {
	schedulerInFlight.Set(float64(n))
}

// RecordAlertDispatch records one alert message sent for a state
// transition ("up" or "down").
func RecordAlertDispatch(direction string) {
	alertsDispatched.WithLabelValues(direction).Inc()
}

// RecordEscalation records an escalation investigator invocation outcome
// ("completed", "empty", "error").
func RecordEscalation(outcome string) {
	alertEscalations.WithLabelValues(outcome).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["tenant_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["test_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["domain"]; ok && id != "" {
		return id
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so high-cardinality IDs don't blow
// up the request-duration label cardinality.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) < 3 {
		return "/" + parts[0]
	}
	// parts: ["api","v1","tests"|"runs"|"status", ...]
	resource := parts[2]
	switch resource {
	case "tests":
		if len(parts) == 3 {
			return "/api/v1/tests"
		}
		if len(parts) == 4 {
			return "/api/v1/tests/:id"
		}
		if len(parts) >= 5 {
			return "/api/v1/tests/:id/" + parts[4]
		}
	case "runs":
		if len(parts) == 4 {
			return "/api/v1/runs/:id"
		}
		if len(parts) >= 5 {
			return "/api/v1/runs/:id/artifacts/:name"
		}
	case "status":
		return "/api/v1/status/summary"
	}
	return "/api/v1/" + resource
}
