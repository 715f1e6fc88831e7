// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// autosaveCycles counts completed autosave cycles by outcome.
	autosaveCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questflow_autosave_cycles_total",
		Help: "Autosave cycles by outcome",
	}, []string{"outcome"})

	// autosaveDuration tracks remote sync latency.
	autosaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "questflow_autosave_sync_duration_seconds",
		Help:    "Duration of the remote part of an autosave cycle",
		Buckets: prometheus.DefBuckets,
	})

	// attachAttempts counts attach orchestrator runs by outcome.
	attachAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questflow_attach_total",
		Help: "Attach attempts by outcome",
	}, []string{"outcome"})

	// hydrations counts hydration results by source.
	hydrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questflow_hydration_total",
		Help: "Hydrations by answer source",
	}, []string{"source"})

	// httpRequests counts session server requests.
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questflow_http_requests_total",
		Help: "Session server requests by route, method and status",
	}, []string{"route", "method", "status"})
)

// AutosaveCycle records one autosave cycle outcome and, when d > 0, its
// remote duration.
func AutosaveCycle(outcome string, d time.Duration) {
	autosaveCycles.WithLabelValues(outcome).Inc()
	if d > 0 {
		autosaveDuration.Observe(d.Seconds())
	}
}

// Attach records one attach outcome.
func Attach(outcome string) {
	attachAttempts.WithLabelValues(outcome).Inc()
}

// Hydration records which source produced the initial answers.
func Hydration(source string) {
	hydrations.WithLabelValues(source).Inc()
}

// Middleware counts requests by matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
