// Package metrics provides Prometheus instrumentation for the CDP engine.
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
	// OperationsTotal counts committed ledger operations by action.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_operations_total",
		Help: "Total number of committed CDP operations",
	}, []string{"action"})

	// OperationRejections counts rejected operations by action and error code.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_operation_rejections_total",
		Help: "CDP operations rejected, by error code",
	}, []string{"action", "code"})

	// OperationLatency tracks end-to-end operation latency including the
	// store transaction and transfer execution.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_operation_latency_seconds",
		Help:    "CDP operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// OpenPositions tracks positions opened minus positions closed since start.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_open_positions",
		Help: "Positions opened minus positions closed by this process",
	})

	// Liquidations counts auction fills, partitioned by whether they closed
	// the position.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_liquidations_total",
		Help: "Auction fills executed",
	}, []string{"closed"})

	// TransferInstructions counts asset movements handed to the executor.
	TransferInstructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_transfer_instructions_total",
		Help: "Transfer instructions executed, by kind",
	}, []string{"kind"})

	// TransferBatchesRelayed counts outbox batches handed to the
	// settlement worker.
	TransferBatchesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_transfer_batches_relayed_total",
		Help: "Committed transfer batches published from the outbox",
	})

	// TransferRelayFailures counts failed outbox publish attempts.
	TransferRelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_transfer_relay_failures_total",
		Help: "Outbox batches that failed to publish and were retried later",
	})

	// EventPublishFailures counts events that could not reach a sink.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_event_publish_failures_total",
		Help: "Committed events that failed to publish",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the per-client limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_http_request_duration_seconds",
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

		path := RoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RoutePattern returns the matched chi route ("/api/v1/positions/{idx}")
// so position indexes do not explode label cardinality. Unmatched requests
// share one label.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
