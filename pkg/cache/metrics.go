package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier and region
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier", "region"}, // tier: "memory", "redis"
	)

	// CacheMisses tracks cache misses by tier and region
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tier", "region"},
	)

	// CacheSets tracks stored entries by region
	CacheSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_sets_total",
			Help: "Total number of cache writes",
		},
		[]string{"region"},
	)

	// CacheExpired tracks entries purged after expiry, lazily or by the sweeper
	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_expired_total",
			Help: "Total number of expired cache entries purged",
		},
		[]string{"region"},
	)

	// CacheKeys tracks the number of live keys per region, refreshed by the sweeper
	CacheKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketwatch_cache_keys",
			Help: "Number of keys held in a memory cache region",
		},
		[]string{"region"},
	)

	// CacheLoads tracks loader invocations by region and result
	CacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_loads_total",
			Help: "Total number of cache loader invocations",
		},
		[]string{"region", "result"}, // "success", "error"
	)

	// CacheDedupShared tracks callers that received another caller's in-flight result
	CacheDedupShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_dedup_shared_total",
			Help: "Total number of deduplicated cache populations",
		},
		[]string{"region"},
	)

	// CacheInFlight tracks populations currently in flight
	CacheInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketwatch_cache_inflight",
			Help: "Number of cache populations currently in flight",
		},
	)

	// CacheErrors tracks Redis tier operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketwatch_cache_errors_total",
			Help: "Total number of cache tier operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "clear", "decode"
	)
)
