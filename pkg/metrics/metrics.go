// Package metrics exposes the Prometheus registry shared by the reqflow
// packages. All metrics are defined in their respective packages (client,
// cache, queue, batch, retry, preload, network, transport) to maintain
// modularity and avoid circular dependencies.
//
// This package provides the scrape handler and a reference of all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by reqflow.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the counterpart of Registry used for scraping.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Orchestrator Metrics (pkg/client):
//   - reqflow_dispatch_total{outcome} (Counter): Dispatches by outcome (success or error kind)
//   - reqflow_dispatch_duration_seconds{method} (Histogram): End-to-end dispatch duration
//   - reqflow_cache_lookups_total{result} (Counter): Cache lookups (hit, miss, error)
//   - reqflow_cache_refreshes_total{outcome} (Counter): Background refreshes (stored, failed)
//   - reqflow_dispatch_deduplicated_total (Counter): Requests joined to an in-flight twin
//
// Cache Metrics (pkg/cache):
//   - reqflow_cache_hits_total (Counter): Cache hits
//   - reqflow_cache_misses_total (Counter): Cache misses, expired reads included
//   - reqflow_cache_evictions_total (Counter): LRU evictions
//   - reqflow_cache_entries (Gauge): Stored entries
//   - reqflow_cache_errors_total{operation} (Counter): Cache operation errors
//
// Queue Metrics (pkg/queue):
//   - reqflow_queue_depth{state} (Gauge): Tasks by state (pending, processing, offline, delayed)
//   - reqflow_queue_wait_seconds (Histogram): Time from enqueue to start
//   - reqflow_queue_cancelled_total (Counter): Withdrawn tasks
//   - reqflow_queue_rejected_total (Counter): Tasks rejected while offline
//
// Batch Metrics (pkg/batch):
//   - reqflow_batch_flushes_total{reason} (Counter): Group flushes (size, window, flush)
//   - reqflow_batch_group_size (Histogram): Members per flushed group
//   - reqflow_batch_errors_total{reason} (Counter): Compound call failures
//   - reqflow_batch_pending (Gauge): Members waiting in open groups
//
// Retry Metrics (pkg/retry):
//   - reqflow_retries_total{error_class} (Counter): Retry attempts by error class
//   - reqflow_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - reqflow_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Preload Metrics (pkg/preload):
//   - reqflow_preload_total{outcome} (Counter): Preload outcomes
//   - reqflow_preload_entries (Gauge): Unclaimed preloaded responses
//
// Network Metrics (pkg/network):
//   - reqflow_network_online (Gauge): 1 when online
//   - reqflow_network_transitions_total (Counter): Connectivity transitions
//
// Transport Metrics (pkg/transport):
//   - reqflow_transport_requests_total{method, status} (Counter): Upstream requests
//   - reqflow_transport_request_duration_seconds{method} (Histogram): Upstream latency
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(reqflow_cache_hits_total[5m])) /
//   (sum(rate(reqflow_cache_hits_total[5m])) + sum(rate(reqflow_cache_misses_total[5m])))
//
//   # Queue Saturation
//   reqflow_queue_depth{state="pending"} > 0
//
//   # Dispatch Error Rate
//   sum(rate(reqflow_dispatch_total{outcome!="success"}[5m]))
//
//   # P95 Dispatch Latency
//   histogram_quantile(0.95, rate(reqflow_dispatch_duration_seconds_bucket[5m]))
//
//   # Average Batch Size
//   rate(reqflow_batch_group_size_sum[5m]) / rate(reqflow_batch_group_size_count[5m])
