// Package metrics exposes Prometheus instrumentation for fetches, conflict
// checks, compare selections and the control server.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostedit_fetches_total",
			Help: "Total number of remote fetches by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostedit_fetch_duration_seconds",
			Help:    "Remote fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	reconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostedit_reconciles_total",
			Help: "Total number of conflict checks by result",
		},
		[]string{"result"},
	)

	comparesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostedit_compares_total",
			Help: "Total number of resolved compare selections by result",
		},
		[]string{"result"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostedit_control_requests_total",
			Help: "Total number of control server requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostedit_control_request_duration_seconds",
			Help:    "Control server request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Outcome label values for ObserveFetch. Failures use the error category.
const OutcomeSuccess = "success"

// Result label values for RecordReconcile and RecordCompare.
const (
	ResultUnchanged = "unchanged"
	ResultUpdated   = "updated"
	ResultStale     = "stale"
	ResultFailed    = "failed"
	ResultDiffed    = "diffed"
	ResultAborted   = "aborted"
)

// ObserveFetch records one fetch attempt.
func ObserveFetch(kind, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(kind, outcome).Inc()
	fetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordReconcile records the result of one conflict check.
func RecordReconcile(result string) {
	reconcilesTotal.WithLabelValues(result).Inc()
}

// RecordCompare records the result of one resolved compare selection.
func RecordCompare(result string) {
	comparesTotal.WithLabelValues(result).Inc()
}

// RecordRequest records one control server request.
func RecordRequest(method, route string, status int, duration time.Duration) {
	requestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusWriter captures the response status
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware records control server requests, labelled by chi route pattern
// so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
