// Package metrics provides Prometheus instrumentation for the flash pool.
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

// Loan outcomes used as the "outcome" label.
const (
	OutcomeSettled     = "settled"
	OutcomeRolledBack  = "rolled_back"
	OutcomeRejected    = "rejected"
	OutcomeBusy        = "busy"
	OutcomeRateLimited = "rate_limited"
)

var (
	// LoansTotal counts flash loan attempts by outcome.
	LoansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashpool_loans_total",
		Help: "Total flash loan attempts by outcome",
	}, []string{"outcome"})

	// LoanLatency tracks the duration of a whole loan unit.
	LoanLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashpool_loan_latency_seconds",
		Help:    "Flash loan unit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// FeesCollected accumulates settled loan fees per pool, in token units.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashpool_fees_collected_total",
		Help: "Cumulative flash loan fees collected",
	}, []string{"pool_id"})

	// LoanVolume accumulates settled principal per pool.
	LoanVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashpool_loan_volume_total",
		Help: "Cumulative flash loan principal",
	}, []string{"pool_id"})

	// PoolLiquidity tracks committed liquidity per pool.
	PoolLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashpool_pool_liquidity",
		Help: "Committed total liquidity per pool",
	}, []string{"pool_id"})

	// InvariantViolations counts units rolled back by the verifier.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashpool_invariant_violations_total",
		Help: "Loan units rolled back by the invariant verifier",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flashpool_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashpool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashpool_http_request_duration_seconds",
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

		// Route pattern keeps pool ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
