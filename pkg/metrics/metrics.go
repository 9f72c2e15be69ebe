// Package metrics exposes the Prometheus registry shared by the marketplace client.
// All metrics are defined in their respective packages (cache, client, ratelimit,
// store, telemetry) to maintain modularity and avoid circular dependencies.
//
// This package serves the registry over HTTP and documents the available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the marketplace client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry's read side.
var Gatherer = prometheus.DefaultGatherer

// Handler returns an http.Handler serving every registered metric in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - marketplace_cache_hits_total{cache} (Counter): Cache hits
//   - marketplace_cache_misses_total{cache} (Counter): Cache misses, including expired reads
//   - marketplace_cache_evictions_total{cache, reason} (Counter): Evictions by reason (capacity, expired)
//   - marketplace_cache_entries{cache} (Gauge): Current number of entries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - marketplace_rate_limit_admitted_total (Counter): Requests admitted by the sliding window
//   - marketplace_rate_limit_denied_total (Counter): Requests denied by the sliding window
//   - marketplace_rate_limit_windows (Gauge): Identifiers with a tracked window
//
// Store Metrics (pkg/store):
//   - marketplace_store_errors_total{operation} (Counter): Redis store operation errors
//
// Request Metrics (pkg/client):
//   - marketplace_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - marketplace_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - marketplace_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, queue, ...)
//   - marketplace_queue_depth (Gauge): Requests waiting for a concurrency slot
//   - marketplace_active_requests (Gauge): Requests currently executing
//   - marketplace_queue_overflow_total{policy} (Counter): Requests failed by queue overflow
//
// Retry Metrics (pkg/client):
//   - marketplace_retries_total{error_class} (Counter): Retry attempts by error class
//   - marketplace_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - marketplace_retry_exhausted_total{error_class} (Counter): Requests that exhausted their retries
//
// Telemetry Metrics (pkg/telemetry):
//   - marketplace_telemetry_alerts_total{level} (Counter): Alerts raised by level
//   - marketplace_telemetry_errors_total{type} (Counter): Captured errors by type
//   - marketplace_telemetry_heap_bytes (Gauge): Last sampled heap usage
//   - marketplace_telemetry_ttfb_seconds (Histogram): Time to first byte of outbound requests
//   - marketplace_telemetry_download_seconds (Histogram): Response body download time
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(marketplace_cache_hits_total[5m])) /
//   (sum(rate(marketplace_cache_hits_total[5m])) + sum(rate(marketplace_cache_misses_total[5m])))
//
//   # Queue Saturation
//   marketplace_queue_depth > 0 and marketplace_active_requests >= 6
//
//   # Request Error Rate
//   rate(marketplace_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(marketplace_request_duration_seconds_bucket[5m]))
//
//   # Critical Alerts
//   increase(marketplace_telemetry_alerts_total{level="critical"}[15m]) > 0
