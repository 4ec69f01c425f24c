// Package metrics registers the Prometheus metrics used by the cache agent.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts intercepted requests labelled by strategy and
	// outcome ("cache", "network", "synthetic", "passthrough").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegw_requests_total",
			Help: "Total number of requests handled by the cache agent.",
		},
		[]string{"strategy", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachegw_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"strategy"},
	)

	// CacheHits counts observational primary-cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachegw_cache_hits_total",
			Help: "Total observational cache hits against the primary cache.",
		},
	)

	// CacheMisses counts observational primary-cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachegw_cache_misses_total",
			Help: "Total observational cache misses against the primary cache.",
		},
	)

	// NetworkFetches counts upstream fetches issued, labelled by trigger
	// ("strategy", "revalidate", "precache", "preload").
	NetworkFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegw_network_fetches_total",
			Help: "Total upstream fetches issued by the agent.",
		},
		[]string{"trigger"},
	)

	// SweepDeletions counts entries removed by maintenance sweeps, labelled
	// by sweep kind ("expiry", "size") and cache role.
	SweepDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachegw_sweep_deletions_total",
			Help: "Total cache entries deleted by maintenance sweeps.",
		},
		[]string{"sweep", "cache"},
	)

	// CacheEntries tracks the current entry count per named cache, updated
	// after each maintenance sweep.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cachegw_cache_entries",
			Help: "Current number of entries per named cache.",
		},
		[]string{"cache"},
	)

	// OriginBreakerState tracks the origin circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	OriginBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachegw_origin_breaker_state",
			Help: "Origin circuit breaker state (0=closed 1=open 2=half_open).",
		},
	)

	// RevalidationsDropped counts background refreshes skipped because the
	// revalidation rate limiter was out of tokens.
	RevalidationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachegw_revalidations_dropped_total",
			Help: "Background revalidations skipped by the rate limiter.",
		},
	)
)
