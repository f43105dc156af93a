// Package cache provides a Redis-backed cache for Graph GET pages.
//
// The cache manager implements the following features:
//
// - Expiry from the Expires header, or a caller-chosen default TTL
// - Cache-Control: no-store is honoured (nothing is cached)
// - ETag support for conditional requests (If-None-Match)
// - Last-Modified support (If-Modified-Since)
// - Stale entries with validators are kept for revalidation
// - Prometheus metrics for observability
// - Deterministic cache key generation, scoped per caller identity
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key, err := cache.KeyFromURL("https://graph.microsoft.com/v1.0/users?$top=5", "tenant-a")
//	if err != nil {
//		return err
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from Graph
//	}
//
// # Conditional Requests
//
//	if entry.IsExpired() && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req.Header, entry)
//		// Graph answers 304 if the resource is unchanged
//	}
//
// # Metrics
//
//   - graph_cache_hits_total{layer="redis"} - Cache hits
//   - graph_cache_stale_hits_total - Hits on expired entries kept for revalidation
//   - graph_cache_misses_total - Cache misses
//   - graph_cache_size_bytes{layer="redis"} - Cache size
//   - graph_304_responses_total - Conditional request successes
//   - graph_conditional_requests_total - Conditional requests sent
//   - graph_cache_errors_total{operation} - Cache operation errors
package cache
