// Package metrics registers the engine's Prometheus collectors and the
// HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_orders_placed_total",
		Help: "Orders accepted into PENDING state.",
	})
	OrdersExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_orders_executed_total",
		Help: "Orders transitioned PENDING to EXECUTED.",
	})
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_orders_cancelled_total",
		Help: "Orders transitioned PENDING to CANCELLED.",
	})
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_orders_rejected_total",
		Help: "Orders rejected at placement, by reason.",
	}, []string{"reason"})
	RiskAutoClosures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecore_risk_auto_closures_total",
		Help: "Positions force-closed by the risk monitor.",
	})
	RiskAccountsCritical = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecore_risk_accounts_critical",
		Help: "Accounts at CRITICAL utilization in the latest risk pass.",
	})
	WorkerPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecore_worker_pass_seconds",
		Help:    "Duration of one worker pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
	WorkerPassErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_worker_pass_errors_total",
		Help: "Item-level errors during worker passes.",
	}, []string{"worker"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecore_http_requests_total",
		Help: "HTTP requests by method, path pattern and status.",
	}, []string{"method", "path", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradecore_http_request_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. Path is the raw URL path;
// the route surface is small and fixed so cardinality stays bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
