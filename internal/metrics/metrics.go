// Package metrics defines Prometheus collectors for the answer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SearchesTotal counts hybrid retrieval requests by outcome.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_searches_total",
			Help: "Total hybrid retrieval requests",
		},
		[]string{"status"},
	)

	// SearchResults observes how many fused results a retrieval returned.
	SearchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_search_results",
			Help:    "Fused result count per retrieval",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
		},
	)

	// StageDuration observes per-stage pipeline latency in seconds.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_stage_duration_seconds",
			Help:    "Generation pipeline stage duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)

	// GenerationsTotal counts full pipeline runs by outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_generations_total",
			Help: "Total answer generations",
		},
		[]string{"status"},
	)

	// TokensUsed observes approximate token consumption per generation.
	TokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_tokens_used",
			Help:    "Approximate tokens consumed per generation",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
	)

	// LLMRequestsTotal counts provider calls by provider and outcome.
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_llm_requests_total",
			Help: "LLM provider requests",
		},
		[]string{"provider", "status"},
	)

	// EmbeddingCacheHits counts embedding cache hits and misses.
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"},
	)

	// QueueDepth tracks pending jobs per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Pending jobs in the generation queue",
		},
		[]string{"queue"},
	)

	// JobsTotal counts job completions by queue and outcome
	// (completed, retried, failed).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_jobs_total",
			Help: "Generation job outcomes",
		},
		[]string{"queue", "outcome"},
	)

	// WSConnections tracks live streaming WebSocket connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_ws_connections",
			Help: "Active streaming WebSocket connections",
		},
	)

	// HallucinationFlags counts verified answers flagged for hallucination.
	HallucinationFlags = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_hallucination_flags_total",
			Help: "Answers flagged by citation verification",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
