package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reqflow_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks cache misses, expired reads included
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reqflow_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheEvictions tracks LRU evictions
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reqflow_cache_evictions_total",
			Help: "Total number of entries evicted by the LRU bound",
		},
	)

	// CacheEntries tracks stored entries across all stores
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reqflow_cache_entries",
			Help: "Current number of cached responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqflow_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set"
	)
)
