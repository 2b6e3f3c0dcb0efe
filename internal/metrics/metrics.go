// Package metrics provides Prometheus instrumentation for the simulation
// engine.
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
	// OrdersTotal counts executed orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papersim_orders_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// ApplyLatency tracks the duration of one execution unit of work.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papersim_apply_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TickerVolume tracks cumulative executed shares per ticker.
	TickerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papersim_ticker_volume_total",
		Help: "Cumulative executed volume in shares",
	}, []string{"ticker", "side"})

	// PersistenceFailures counts Apply calls rolled back by a store error.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papersim_persistence_failures_total",
		Help: "Order executions rolled back by a persistence failure",
	})

	// RuleDecisions counts admission decisions by outcome.
	RuleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papersim_rule_decisions_total",
		Help: "Admission rule decisions",
	}, []string{"outcome"})

	// RuleRejections counts rejection reason codes.
	RuleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papersim_rule_rejections_total",
		Help: "Admission rejections by reason code",
	}, []string{"reason"})

	// ReplayDuration tracks how long an equity replay takes.
	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "papersim_replay_duration_seconds",
		Help:    "Equity series replay duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	// ReplayDataGaps counts (ticker, day) marks with no closing price.
	ReplayDataGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papersim_replay_data_gaps_total",
		Help: "Mark-to-market lookups that returned no closing price",
	})

	// WebSocketClients tracks connected event stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papersim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papersim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papersim_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets the WebSocket upgrader take over connections that pass
// through Middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
