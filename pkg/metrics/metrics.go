// Package metrics exposes the Prometheus metrics of the Graph client.
// Collectors are declared with promauto in the packages that own them
// (transport, batch, pagination, cache, ratelimit, client); this package
// serves them and lists their names.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the Graph client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Names lists every metric family the module registers.
var Names = []string{
	// pkg/transport
	"graph_requests_total",
	"graph_request_duration_seconds",

	// pkg/batch
	"graph_batch_dispatches_total",
	"graph_batch_subrequests_total",
	"graph_throttled_subrequests_total",
	"graph_throttle_wait_seconds",
	"graph_throttle_retry_exhausted_total",

	// pkg/pagination
	"graph_pages_fetched_total",

	// pkg/cache
	"graph_cache_hits_total",
	"graph_cache_stale_hits_total",
	"graph_cache_misses_total",
	"graph_cache_size_bytes",
	"graph_304_responses_total",
	"graph_conditional_requests_total",
	"graph_cache_errors_total",

	// pkg/ratelimit
	"graph_throttle_cooldown_seconds",
	"graph_throttle_windows_total",
	"graph_throttle_cooldown_waits_total",

	// pkg/client
	"graph_client_operations_total",
	"graph_client_errors_total",
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Example Prometheus Queries:
//
//   # Throttled share of batch sub-requests
//   sum(rate(graph_throttled_subrequests_total[5m])) /
//   sum(rate(graph_batch_subrequests_total[5m]))
//
//   # P95 throttle wait
//   histogram_quantile(0.95, rate(graph_throttle_wait_seconds_bucket[5m]))
//
//   # Cache Hit Rate
//   sum(rate(graph_cache_hits_total[5m])) /
//   (sum(rate(graph_cache_hits_total[5m])) + sum(rate(graph_cache_misses_total[5m])))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(graph_request_duration_seconds_bucket[5m]))
//
//   # 304 Response Rate
//   rate(graph_304_responses_total[5m]) / rate(graph_requests_total{method="GET"}[5m])
