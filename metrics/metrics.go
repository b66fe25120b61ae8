package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecoshare",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "agreements",
			Name:      "transitions_total",
			Help:      "Agreement status transitions applied.",
		},
		[]string{"from", "to"},
	)

	signatures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "agreements",
			Name:      "signature_attempts_total",
			Help:      "Signature attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sweepCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "sweep",
			Name:      "cancelled_total",
			Help:      "Agreements cancelled by the expiry sweep.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ecoshare",
			Subsystem: "sweep",
			Name:      "run_duration_seconds",
			Help:      "Duration of expiry sweep passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	integrityViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "agreements",
			Name:      "integrity_violations_total",
			Help:      "Fingerprint mismatches detected on read.",
		},
	)

	notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecoshare",
			Subsystem: "notifications",
			Name:      "failures_total",
			Help:      "Notifications that could not be dispatched.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		transitions,
		signatures,
		sweepCancelled,
		sweepDuration,
		integrityViolations,
		notificationFailures,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTransition counts a status change.
func ObserveTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// ObserveSignature counts a signature attempt; outcome is "accepted" or an error code.
func ObserveSignature(outcome string) {
	signatures.WithLabelValues(outcome).Inc()
}

// ObserveSweep records one sweep pass.
func ObserveSweep(cancelled int, elapsed time.Duration) {
	sweepCancelled.Add(float64(cancelled))
	sweepDuration.Observe(elapsed.Seconds())
}

// ObserveIntegrityViolation counts a fingerprint mismatch.
func ObserveIntegrityViolation() {
	integrityViolations.Inc()
}

// ObserveNotificationFailure counts a failed dispatch.
func ObserveNotificationFailure(kind string) {
	notificationFailures.WithLabelValues(kind).Inc()
}

// InstrumentHandler records request counts and latency per route template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
