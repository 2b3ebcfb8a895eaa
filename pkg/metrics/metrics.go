// Package metrics exposes the Prometheus registry used by querycache.
// All metrics are defined in their respective packages (cache, query, fetch)
// to maintain modularity and avoid circular dependencies.
//
// This package provides the HTTP handler and a reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer used by querycache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - querycache_cache_hits_total{mode="fresh|stale|redis"} (Counter): Cache hits by mode
//   - querycache_cache_misses_total (Counter): Cache misses
//   - querycache_cache_entries (Gauge): Entries held by in-memory stores, expired ones included
//   - querycache_cache_evictions_total{reason} (Counter): Removed entries by reason
//   - querycache_cache_errors_total{operation} (Counter): Redis backend errors
//
// Query Metrics (pkg/query):
//   - querycache_fetches_total{result} (Counter): Fetches by result (success, error, superseded, skipped)
//   - querycache_fetch_duration_seconds (Histogram): Fetch function duration
//   - querycache_coalesced_fetches_total (Counter): Fetches that joined another query's fetch
//   - querycache_mutations_total{result} (Counter): Mutations by result
//   - querycache_invalidations_total{source} (Counter): Invalidated keys by source
//
// Request Metrics (pkg/fetch):
//   - querycache_http_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - querycache_http_request_duration_seconds{method} (Histogram): Request duration, retries included
//   - querycache_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - querycache_http_retries_total{error_class} (Counter): Retry attempts by error class
//   - querycache_http_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - querycache_http_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//   - querycache_http_not_modified_total (Counter): 304 responses answered from a stored body
//
// Prefetch Metrics (pkg/pagination):
//   - querycache_prefetch_pages_total{result} (Counter): Prefetched pages by result
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(querycache_cache_hits_total[5m])) /
//   (sum(rate(querycache_cache_hits_total[5m])) + sum(rate(querycache_cache_misses_total[5m])))
//
//   # Stale Serve Ratio
//   rate(querycache_cache_hits_total{mode="stale"}[5m]) / rate(querycache_cache_hits_total[5m])
//
//   # Fetch Error Rate
//   rate(querycache_fetches_total{result="error"}[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(querycache_fetch_duration_seconds_bucket[5m]))
