// Package metrics holds the Prometheus collectors of the feed engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Page cache metrics
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_cache_operations_total",
			Help: "Total number of page cache operations",
		},
		[]string{"cache", "operation", "result"}, // result: "hit", "miss", "ok", "error"
	)

	CacheRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_cache_rotations_total",
			Help: "Total number of page cache generation rotations",
		},
		[]string{"cache"},
	)

	// Fetch metrics
	PageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_page_fetches_total",
			Help: "Total number of pages added to a page chain",
		},
		[]string{"kind", "origin"}, // origin: "cache", "network"
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_fetch_retries_total",
			Help: "Total number of failed fetch attempts that were retried",
		},
		[]string{"kind"},
	)

	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_source_fetches_total",
			Help: "Total number of source snapshots fetched",
		},
		[]string{"kind"},
	)

	// Feed metrics
	FeedUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_feed_updates_total",
			Help: "Total number of feed recomputation passes",
		},
		[]string{"aggregator"},
	)

	FeedUpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plebbit_feeds_feed_update_duration_seconds",
			Help:    "Duration of feed recomputation passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"aggregator"},
	)

	FeedsRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plebbit_feeds_feeds_registered",
			Help: "Current number of registered feeds",
		},
		[]string{"aggregator"},
	)

	// Author history metrics
	AuthorCommentsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_author_comments_fetched_total",
			Help: "Total number of author history comments fetched",
		},
	)

	AuthorHeadsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plebbit_feeds_author_heads_accepted_total",
			Help: "Total number of newer author history heads accepted from hints",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plebbit_feeds_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
