// Package metrics defines Prometheus metrics for the research broker.
//
// Everything registers against a dedicated Registry rather than the
// client_golang default, so tests and embedders never collide with other
// registrations in the same process.
//
// Metric naming follows Prometheus conventions:
//   - quaesitor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every quaesitor metric. The /metrics endpoint serves it
// in Prometheus text format when asked for text/plain.
var Registry = prometheus.NewRegistry()

var (
	// JobsTotal counts jobs reaching a terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_jobs_total",
			Help: "Total number of jobs by terminal status.",
		},
		[]string{"status"},
	)

	// JobsActive is the number of jobs currently leased by a worker.
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaesitor_jobs_active",
			Help: "Number of jobs currently executing.",
		},
	)

	// JobEventsTotal counts appended job events by type.
	JobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_job_events_total",
			Help: "Total job lifecycle events appended, by event type.",
		},
		[]string{"type"},
	)

	// TokensTotal counts LLM tokens by model and kind (prompt, completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_tokens_total",
			Help: "Total LLM tokens consumed, by model and kind.",
		},
		[]string{"model", "kind"},
	)

	// LLMRequestsTotal counts upstream chat requests by model and outcome.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_llm_requests_total",
			Help: "Total LLM gateway requests, by model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	// SearchesTotal counts retrieval calls by mode (lexical, vector, hybrid).
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_searches_total",
			Help: "Total index searches, by retrieval mode.",
		},
		[]string{"mode"},
	)

	// HTTPRequestsTotal counts HTTP requests by route and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_http_requests_total",
			Help: "Total HTTP requests, by route and status code.",
		},
		[]string{"route", "code"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quaesitor_rate_limited_total",
			Help: "Total requests rejected with 429.",
		},
	)

	// WebhookDeliveriesTotal counts webhook posts by outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quaesitor_webhook_deliveries_total",
			Help: "Total webhook delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// ResearchDurationSeconds is a histogram of end-to-end research runs.
	ResearchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quaesitor_research_duration_seconds",
			Help:    "Duration of research runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// EmbedderReady is 1 when the embedding provider accepts requests.
	EmbedderReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaesitor_embedder_ready",
			Help: "Whether the embedding provider is ready (1) or not (0).",
		},
	)

	// DBReady is 1 when the durable SQLite backend is in use.
	DBReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quaesitor_db_ready",
			Help: "Whether the durable storage backend is in use (1) or the memory fallback (0).",
		},
	)
)

func init() {
	Registry.MustRegister(
		JobsTotal,
		JobsActive,
		JobEventsTotal,
		TokensTotal,
		LLMRequestsTotal,
		SearchesTotal,
		HTTPRequestsTotal,
		RateLimitedTotal,
		WebhookDeliveriesTotal,
		ResearchDurationSeconds,
		EmbedderReady,
		DBReady,
	)
}

// TextHandler serves the registry in Prometheus exposition format.
func TextHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordJobStarted records a worker claiming a job.
func RecordJobStarted() {
	JobsActive.Inc()
}

// RecordJobFinished records a worker releasing a job, whatever the outcome.
func RecordJobFinished() {
	JobsActive.Dec()
}

// RecordJobTerminal records a job reaching a terminal status.
func RecordJobTerminal(status string, duration time.Duration) {
	JobsTotal.WithLabelValues(status).Inc()
	ResearchDurationSeconds.Observe(duration.Seconds())
}

// RecordJobEvent records one appended lifecycle event.
func RecordJobEvent(eventType string) {
	JobEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordTokens records token usage for one LLM call.
func RecordTokens(model string, prompt, completion int64) {
	if prompt > 0 {
		TokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		TokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// RecordLLMRequest records one upstream request outcome.
func RecordLLMRequest(model, outcome string) {
	LLMRequestsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordSearch records one retrieval call.
func RecordSearch(mode string) {
	SearchesTotal.WithLabelValues(mode).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(route, code string) {
	HTTPRequestsTotal.WithLabelValues(route, code).Inc()
}

// RecordRateLimited records one 429 rejection.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordWebhookDelivery records one webhook attempt outcome.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// SetEmbedderReady flips the embedder readiness gauge.
func SetEmbedderReady(ready bool) {
	if ready {
		EmbedderReady.Set(1)
	} else {
		EmbedderReady.Set(0)
	}
}

// SetDBReady flips the storage readiness gauge.
func SetDBReady(ready bool) {
	if ready {
		DBReady.Set(1)
	} else {
		DBReady.Set(0)
	}
}
