package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by cache name
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses tracks cache misses by cache name (unknown and expired keys)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// CacheEvictions tracks removed entries by cache name and reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache", "reason"}, // "capacity", "expired"
	)

	// CacheEntries tracks the current number of entries by cache name
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketplace_cache_entries",
			Help: "Current number of entries in the cache",
		},
		[]string{"cache"},
	)
)
