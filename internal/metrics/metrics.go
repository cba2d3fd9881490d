// Package metrics exposes Prometheus collectors for the acquisition and
// application engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceRequestsTotal        *prometheus.CounterVec
	fallbackStepsTotal         *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec
	searchDurationSeconds      prometheus.Histogram
	workflowTransitionsTotal   *prometheus.CounterVec
	workflowOutcomesTotal      *prometheus.CounterVec
	browserPoolInUse           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_source_requests_total",
				Help: "Primary and alternate adapter calls, labeled by source and outcome kind.",
			},
			[]string{"source", "outcome"},
		)

		fallbackStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_fallback_steps_total",
				Help: "Fallback step that produced each per-source result.",
			},
			[]string{"source", "step"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_cache_lookups_total",
				Help: "Result cache lookups, labeled by result (hit, miss, stale).",
			},
			[]string{"result"},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autoapply_search_duration_seconds",
				Help:    "Wall time of multi-source searches.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		workflowTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_workflow_transitions_total",
				Help: "Application task transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		workflowOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_workflow_outcomes_total",
				Help: "Terminal application task states, labeled by source.",
			},
			[]string{"source", "state"},
		)

		browserPoolInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autoapply_browser_pool_in_use",
				Help: "Browser handles currently checked out.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_robots_fallbacks_total",
				Help: "robots.txt fetches that timed out on TLS and were treated as allow-all.",
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSourceRequest counts an adapter call. Outcome is "ok" or an error kind.
func ObserveSourceRequest(source, outcome string) {
	Init()
	sourceRequestsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFallbackStep counts the step that resolved a per-source search.
func ObserveFallbackStep(source, step string) {
	Init()
	fallbackStepsTotal.WithLabelValues(source, step).Inc()
}

// ObserveCache counts a cache lookup result.
func ObserveCache(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsFallback counts a board whose robots.txt could not be read.
func ObserveRobotsFallback(source string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(source).Inc()
}

// ObserveSearch records the duration of a multi-source search.
func ObserveSearch(duration time.Duration) {
	Init()
	searchDurationSeconds.Observe(duration.Seconds())
}

// ObserveTransition counts a workflow state transition.
func ObserveTransition(state string) {
	Init()
	workflowTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveOutcome counts a terminal workflow state.
func ObserveOutcome(source, state string) {
	Init()
	workflowOutcomesTotal.WithLabelValues(source, state).Inc()
}

// IncBrowsersInUse increments the checked-out browser gauge.
func IncBrowsersInUse() {
	Init()
	browserPoolInUse.Inc()
}

// DecBrowsersInUse decrements the checked-out browser gauge.
func DecBrowsersInUse() {
	Init()
	browserPoolInUse.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
