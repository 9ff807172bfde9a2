package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healthsphere"

var (
	// Registry holds the application collectors exposed on /metrics.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)

	inferenceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "calls_total",
			Help:      "Inference service calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "call_duration_seconds",
			Help:      "Duration of inference service calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"op"},
	)

	fallbackAnswers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "fallback_answers_total",
			Help:      "Chat answers served by the local fallback responder.",
		},
		[]string{"reason", "category"},
	)

	persistenceDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_degraded_total",
			Help:      "Writes skipped or failed without failing the request.",
		},
		[]string{"target"},
	)

	ingestJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Ingest notifications by terminal result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		inferenceCalls,
		inferenceDuration,
		fallbackAnswers,
		persistenceDegraded,
		ingestJobs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordInferenceCall counts one remote call. outcome is "success",
// "unreachable" or "remote_error".
func RecordInferenceCall(op, outcome string, d time.Duration) {
	inferenceCalls.WithLabelValues(op, outcome).Inc()
	inferenceDuration.WithLabelValues(op).Observe(d.Seconds())
}

func RecordFallback(reason, category string) {
	fallbackAnswers.WithLabelValues(reason, category).Inc()
}

// RecordPersistenceDegraded counts a best-effort write that did not happen.
// target names the column or table, e.g. "processing_result".
func RecordPersistenceDegraded(target string) {
	persistenceDegraded.WithLabelValues(target).Inc()
}

func RecordIngestJob(result string) {
	ingestJobs.WithLabelValues(result).Inc()
}
