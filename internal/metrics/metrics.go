// Package metrics provides Prometheus instrumentation for kinoedge.
//
// Exposed at GET /metrics:
//
//	kinoedge_offline_requests_total          counter: intercepted requests by strategy and source
//	kinoedge_offline_request_duration_seconds histogram: controller latency by strategy
//	kinoedge_cache_writes_total              counter: background cache writes by result
//	kinoedge_cache_partitions_deleted_total  counter: partitions removed on activate/clear
//	kinoedge_progress_updates_total          counter: watch-progress operations by op and result
//	kinoedge_http_requests_total             counter: local API requests by method, route and status
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response sources for OfflineRequests
const (
	SourceNetwork   = "network"
	SourceCache     = "cache"
	SourceSynthetic = "synthetic"
	SourceError     = "error"
)

// OfflineRequests counts requests the cache controller answered.
var OfflineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kinoedge_offline_requests_total",
	Help: "Requests handled by the offline cache controller.",
}, []string{"strategy", "source"})

// OfflineDuration tracks controller latency including the network fetch.
var OfflineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "kinoedge_offline_request_duration_seconds",
	Help:    "Offline cache controller latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"strategy"})

// CacheWrites counts background cache writes.
var CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kinoedge_cache_writes_total",
	Help: "Background cache writes by result.",
}, []string{"result"})

// PartitionsDeleted counts cache partitions removed.
var PartitionsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kinoedge_cache_partitions_deleted_total",
	Help: "Cache partitions deleted by reason.",
}, []string{"reason"})

// ProgressUpdates counts watch-progress operations.
var ProgressUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kinoedge_progress_updates_total",
	Help: "Watch-progress operations by op and result.",
}, []string{"op", "result"})

// HTTPRequests counts local API requests.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kinoedge_http_requests_total",
	Help: "Local API requests handled.",
}, []string{"method", "route", "status"})

// Handler returns the Prometheus HTTP handler for /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOffline records one controller decision
func ObserveOffline(strategy, source string, start time.Time) {
	OfflineRequests.WithLabelValues(strategy, source).Inc()
	OfflineDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

// Result maps an error to a result label
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records request counts by chi route pattern.
// Requests that matched no pattern (the proxy catch-all) are labelled "proxy".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "proxy"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" && p != "/*" {
				route = p
			}
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
