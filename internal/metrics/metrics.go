// Package metrics provides Prometheus instrumentation for the silo engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CratePicksTotal counts crate selections, partitioned by token and
	// outcome ("ok", "insufficient", "error").
	CratePicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silo_crate_picks_total",
		Help: "Total number of crate selections",
	}, []string{"token", "outcome"})

	// CratePickLatency tracks how long a selection takes, including the
	// deposit fetch.
	CratePickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "silo_crate_pick_latency_seconds",
		Help:    "Crate selection latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"token"})

	// CratesPerSelection tracks how many crates a withdrawal consumes.
	CratesPerSelection = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "silo_crates_per_selection",
		Help:    "Number of crates consumed per selection",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 50},
	})

	// WithdrawalsApplied counts withdrawals written to the store.
	WithdrawalsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silo_withdrawals_applied_total",
		Help: "Withdrawals applied to stored deposits",
	}, []string{"token"})

	// DepositsRecorded counts deposits recorded.
	DepositsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silo_deposits_recorded_total",
		Help: "Deposits recorded",
	}, []string{"token"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "silo_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silo_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "silo_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern; raw paths carry account addresses.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
