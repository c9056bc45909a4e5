package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	controlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_http_requests_total",
			Help: "Total control-surface HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	controlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "control_http_request_duration_seconds",
			Help:    "Control-surface request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	controlRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "control_http_requests_in_flight",
			Help: "Control-surface requests currently being processed",
		},
		[]string{"method", "route"},
	)

	controlResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "control_http_response_size_bytes",
			Help:    "Control-surface response size in bytes",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		},
		[]string{"method", "route"},
	)
)

// MetricsMiddleware instruments control-surface requests. Series are
// labeled with the matched mux route template rather than the raw URL
// path, so cardinality stays bounded no matter what callers probe.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		route := routeTemplate(r)
		method := r.Method

		controlRequestsInFlight.WithLabelValues(method, route).Inc()
		defer controlRequestsInFlight.WithLabelValues(method, route).Dec()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		controlRequestsTotal.WithLabelValues(method, route, strconv.Itoa(rw.status)).Inc()
		controlRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		controlResponseSize.WithLabelValues(method, route).Observe(float64(rw.bytes))
	})
}

// routeTemplate resolves the matched mux pattern for r, falling back to
// "unmatched" for requests no registered route claimed.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil && tpl != "" {
			return tpl
		}
	}
	return "unmatched"
}
