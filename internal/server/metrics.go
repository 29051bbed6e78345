package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// analyzeRequestsTotal counts completed /api/analyze requests,
	// partitioned by outcome: "ok", "timeout", "embedding_error" or "error".
	analyzeRequestsTotal *prometheus.CounterVec

	// analyzeDurationSeconds records the wall-clock duration of each
	// pipeline run.
	analyzeDurationSeconds *prometheus.HistogramVec

	// analyzeInFlight is the number of pipeline runs currently executing.
	analyzeInFlight prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// rejectedTotal counts requests refused before reaching a handler, by
	// reason: "missing_token", "invalid_token" or "rate_limited".
	rejectedTotal *prometheus.CounterVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		analyzeRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "analyze",
			Name:      "requests_total",
			Help:      "Total number of /api/analyze requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		analyzeDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sonitag",
			Subsystem: "analyze",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/analyze pipeline runs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		analyzeInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonitag",
			Subsystem: "analyze",
			Name:      "in_flight",
			Help:      "Number of /api/analyze pipeline runs currently executing.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sonitag",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests refused by authentication or rate limiting, partitioned by reason.",
		}, []string{"reason"}),
	}
}

// reject records one refused request.
func (m *serverMetrics) reject(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// instrument records request count and latency per route pattern. Requests
// that match no route are labelled "unmatched".
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(rw, r)

		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
