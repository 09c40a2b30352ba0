package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks entries served from disk
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopus_cache_hits_total",
			Help: "Total number of fresh cache entries served",
		},
		[]string{"api"},
	)

	// CacheMisses tracks lookups without a file
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopus_cache_misses_total",
			Help: "Total number of cache lookups without an entry",
		},
		[]string{"api"},
	)

	// CacheStale tracks existing entries rejected by the refresh policy
	CacheStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopus_cache_stale_total",
			Help: "Total number of cache entries rejected as stale or forced refresh",
		},
		[]string{"api"},
	)

	// CacheWrites tracks persisted responses
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopus_cache_writes_total",
			Help: "Total number of responses written to the cache",
		},
		[]string{"api"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scopus_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "load", "save", "delete"
	)
)
