package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store hits by read mode
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_cache_hits_total",
			Help: "Total number of query cache hits",
		},
		[]string{"mode"}, // "fresh", "stale", "redis"
	)

	// CacheMisses tracks store misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querycache_cache_misses_total",
			Help: "Total number of query cache misses",
		},
	)

	// CacheEntries tracks the number of entries held in memory
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querycache_cache_entries",
			Help: "Current number of entries in the in-memory query cache",
		},
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_cache_evictions_total",
			Help: "Total number of entries removed from the query cache",
		},
		[]string{"reason"}, // "clear", "clear_all", "expired", "pattern"
	)

	// CacheErrors tracks second-level cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_cache_errors_total",
			Help: "Total number of second-level cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
