// Package metrics provides the centralized Prometheus metrics registry for
// the activity client. All metrics are defined in their respective packages
// (client, cache, ratelimit, ingest) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the activity client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - bungie_rate_limit_waits_total (Counter): Requests that had to wait for the next window
//   - bungie_rate_limit_wait_seconds (Histogram): How long rate-limited requests waited
//   - bungie_rate_limit_tokens_remaining (Gauge): Tokens left in the current window
//
// Cache Metrics (pkg/cache):
//   - bungie_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - bungie_cache_misses_total (Counter): Cache misses
//   - bungie_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - bungie_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - bungie_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - bungie_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - bungie_errors_total{kind} (Counter): Terminal errors by kind
//
// Retry Metrics (pkg/client):
//   - bungie_retries_total{reason} (Counter): Retry attempts by reason (network, content_type, payload, upstream)
//   - bungie_retries_exhausted_total (Counter): Requests that ran out of attempts
//
// Ingestion Metrics (pkg/ingest):
//   - ingest_matches_persisted_total (Counter): Matches committed to storage
//   - ingest_fetch_failures_total (Counter): Carnage report fetches queued for retry
//   - ingest_batches_flushed_total (Counter): Batches committed to storage
//   - ingest_pending_retried_total{outcome} (Counter): Retry sweep outcomes (persisted, already_present, failed)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(bungie_cache_hits_total[5m])) /
//   (sum(rate(bungie_cache_hits_total[5m])) + sum(rate(bungie_cache_misses_total[5m])))
//
//   # Request Error Rate
//   rate(bungie_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(bungie_request_duration_seconds_bucket[5m]))
//
//   # Retry Pressure
//   sum(rate(bungie_retries_total[5m])) by (reason)
//
//   # Ingestion Throughput
//   rate(ingest_matches_persisted_total[5m])
