// Package metrics exposes Prometheus collectors for the fetchguard service.
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
	jobsStartedTotal           *prometheus.CounterVec
	jobsFinishedTotal          *prometheus.CounterVec
	jobRollbacksTotal          *prometheus.CounterVec
	urlsBlockedTotal           *prometheus.CounterVec
	redirectsFollowedTotal     prometheus.Counter
	itemsTotal                 *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	webhookLatencySeconds      prometheus.Histogram
	rateLimitDelaySeconds      prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_jobs_started_total",
				Help: "Jobs accepted and enqueued, labeled by kind.",
			},
			[]string{"kind"},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_jobs_finished_total",
				Help: "Jobs reaching a terminal status, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		jobRollbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_job_rollbacks_total",
				Help: "Job creations rolled back after a partial failure, labeled by kind.",
			},
			[]string{"kind"},
		)

		urlsBlockedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_urls_blocked_total",
				Help: "URLs rejected by the safety gate, labeled by stage.",
			},
			[]string{"stage"},
		)

		redirectsFollowedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchguard_redirects_followed_total",
				Help: "Redirect hops validated and followed by the guarded fetcher.",
			},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_items_total",
				Help: "Job items processed, labeled by kind and terminal status.",
			},
			[]string{"kind", "status"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchguard_webhook_deliveries_total",
				Help: "Webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetchguard_webhook_latency_seconds",
				Help:    "Latency of webhook delivery attempts.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetchguard_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchguard_active_workers",
				Help: "Number of workers currently processing a job.",
			},
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

// ObserveJobStarted counts an accepted job.
func ObserveJobStarted(kind string) {
	Init()
	jobsStartedTotal.WithLabelValues(kind).Inc()
}

// ObserveJobFinished counts a job reaching a terminal status.
func ObserveJobFinished(kind, status string) {
	Init()
	jobsFinishedTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRollback counts a compensated job creation.
func ObserveRollback(kind string) {
	Init()
	jobRollbacksTotal.WithLabelValues(kind).Inc()
}

// ObserveBlockedURL counts a gate rejection. stage is one of initial, redirect, submit or webhook.
func ObserveBlockedURL(stage string) {
	Init()
	urlsBlockedTotal.WithLabelValues(stage).Inc()
}

// ObserveRedirect counts a followed redirect hop.
func ObserveRedirect() {
	Init()
	redirectsFollowedTotal.Inc()
}

// ObserveItem counts a processed item.
func ObserveItem(kind, status string) {
	Init()
	itemsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveWebhook records one delivery attempt.
func ObserveWebhook(outcome string, latency time.Duration) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	webhookLatencySeconds.Observe(latency.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
