package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_cache_hits_total",
			Help: "Total number of Graph cache hits",
		},
		[]string{"layer"}, // "redis"
	)

	// CacheStaleHits tracks hits on expired entries kept for revalidation
	CacheStaleHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_cache_stale_hits_total",
			Help: "Total number of Graph cache hits on expired entries",
		},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_cache_misses_total",
			Help: "Total number of Graph cache misses",
		},
	)

	// CacheSize tracks cache size in bytes by layer
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graph_cache_size_bytes",
			Help: "Current size of Graph cache in bytes",
		},
		[]string{"layer"}, // "redis"
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_304_responses_total",
			Help: "Total number of Graph 304 Not Modified responses",
		},
	)

	// ConditionalRequestsSent tracks requests sent with If-None-Match or If-Modified-Since
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graph_conditional_requests_total",
			Help: "Total number of conditional Graph requests sent",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
