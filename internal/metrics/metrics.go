// Package metrics provides Prometheus instrumentation for the indexer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts chain events applied, partitioned by topic.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_events_total",
		Help: "Total chain events applied to the projection",
	}, []string{"kind"})

	// EventErrors counts events that failed to apply, partitioned by
	// topic and error class.
	EventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_event_errors_total",
		Help: "Chain events that failed to apply",
	}, []string{"kind", "class"})

	// DedupHits counts events suppressed by the in-process LRU.
	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_dedup_hits_total",
		Help: "Events suppressed as same-process duplicates",
	}, []string{"kind"})

	// StreamRestarts counts subscription teardowns (watchdog or
	// transport) per topic.
	StreamRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_stream_restarts_total",
		Help: "Event subscription restarts",
	}, []string{"kind"})

	// ReconcileRuns counts reconciler invocations by mode.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_reconcile_runs_total",
		Help: "Reconciler runs",
	}, []string{"mode"})

	// ReconcileCorrections counts corrective store operations emitted
	// by the reconciler, partitioned by correction kind.
	ReconcileCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_reconcile_corrections_total",
		Help: "Corrective operations applied by the reconciler",
	}, []string{"kind"})

	// RPCLatency tracks chain read latency per method.
	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpidx_rpc_latency_seconds",
		Help:    "Chain read latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// WebSocketClients tracks connected read-API websocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpidx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpidx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpidx_http_request_duration_seconds",
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

		path := r.URL.Path
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
