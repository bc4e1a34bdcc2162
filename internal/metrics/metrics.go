// Package metrics exposes Prometheus collectors for the HTTP surface
// and the crawl frontier. Crawl progress metrics live in the progress
// Prometheus sink; this package covers what the event stream cannot
// see: request latency and live queue depth.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagesift/pagesift/internal/crawl"
)

// HTTP records request counts and latency for the API server.
type HTTP struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTP registers the HTTP collectors against reg. A nil reg uses the
// default registerer.
func NewHTTP(reg prometheus.Registerer) (*HTTP, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &HTTP{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesift_http_requests_total",
			Help: "HTTP requests served, labeled by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagesift_http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by method and route pattern.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{h.requestsTotal, h.requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register http collector: %w", err)
		}
	}
	return h, nil
}

// Middleware is a chi middleware recording one observation per request.
// The route pattern label keeps cardinality bounded; raw paths with IDs
// never become label values.
func (h *HTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		h.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RegisterFrontierDepth exposes the active job's queue size as a gauge.
// Reads zero when no job is running.
func RegisterFrontierDepth(reg prometheus.Registerer, registry *crawl.Registry) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pagesift_frontier_queue_depth",
		Help: "URLs queued in the active job's frontier.",
	}, func() float64 {
		job, ok := registry.Active()
		if !ok {
			return 0
		}
		return float64(job.Progress().QueueSize)
	})
	if err := reg.Register(g); err != nil {
		return fmt.Errorf("register frontier gauge: %w", err)
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
