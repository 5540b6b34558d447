// Package metrics exposes the Prometheus registry used by market-watch.
// All metrics are defined in their respective packages (cache, retry,
// ratelimit, client, alert, notify) and registered through promauto.
//
// This package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Registered reports which of names are currently exported by Gatherer.
// Vector metrics only appear once a labelled child has been observed.
func Registered(names ...string) (map[string]bool, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(families))
	for _, mf := range families {
		present[mf.GetName()] = true
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = present[n]
	}
	return out, nil
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - marketwatch_cache_hits_total{tier, region} (Counter): Hits by tier (memory) and region
//   - marketwatch_cache_misses_total{tier, region} (Counter): Misses by tier and region
//   - marketwatch_cache_sets_total{region} (Counter): Writes by region
//   - marketwatch_cache_expired_total{region} (Counter): Entries purged after expiry
//   - marketwatch_cache_keys{region} (Gauge): Live keys after the last sweep
//   - marketwatch_cache_loads_total{region, result} (Counter): Loader calls by result
//   - marketwatch_cache_dedup_shared_total{region} (Counter): Callers served by an in-flight load
//   - marketwatch_cache_inflight (Gauge): Loader calls in progress
//   - marketwatch_cache_errors_total{operation} (Counter): Redis tier errors
//
// Retry Metrics (pkg/retry):
//   - marketwatch_retries_total{error_class} (Counter): Retry attempts by error class
//   - marketwatch_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - marketwatch_retry_exhausted_total{error_class} (Counter): Calls that exhausted max retries
//   - marketwatch_operation_timeouts_total (Counter): Attempts abandoned by WithTimeout
//
// Queue Metrics (pkg/ratelimit):
//   - marketwatch_queue_pending{queue} (Gauge): Tasks waiting
//   - marketwatch_queue_inflight{queue} (Gauge): Tasks dispatched
//   - marketwatch_queue_delay_seconds{queue} (Gauge): Current inter-dispatch delay
//   - marketwatch_queue_dispatches_total{queue, outcome} (Counter): Dispatch outcomes
//   - marketwatch_queue_rate_limits_total{queue} (Counter): Rate-limit signals
//   - marketwatch_queue_wait_seconds{queue} (Histogram): Enqueue to first dispatch
//   - marketwatch_ratelimit_penalty_remaining_seconds{provider} (Gauge): Shared penalty left
//   - marketwatch_ratelimit_store_errors_total{operation} (Counter): Penalty store errors
//
// Provider Metrics (pkg/client):
//   - marketwatch_provider_requests_total{provider, endpoint, status} (Counter)
//   - marketwatch_provider_request_duration_seconds{provider, endpoint} (Histogram)
//   - marketwatch_provider_errors_total{provider, class} (Counter)
//
// Alert Metrics (pkg/alert, pkg/notify):
//   - marketwatch_sweep_duration_seconds (Histogram): Sweep duration
//   - marketwatch_sweep_items_total{outcome} (Counter): Items by outcome (updated, alerted, failed)
//   - marketwatch_sweep_errors_total (Counter): Sweeps aborted by an error
//   - marketwatch_sweeps_skipped_total (Counter): Ticks skipped while a sweep was running
//   - marketwatch_notifications_total{sink, result} (Counter): Alert deliveries
//
// Example Prometheus Queries:
//
//   # Market cache hit rate
//   sum(rate(marketwatch_cache_hits_total{region="market"}[5m])) /
//   (sum(rate(marketwatch_cache_hits_total{region="market"}[5m])) +
//    sum(rate(marketwatch_cache_misses_total{region="market"}[5m])))
//
//   # Provider throttling
//   rate(marketwatch_queue_rate_limits_total[15m]) > 0
//
//   # Failed share of sweep items
//   rate(marketwatch_sweep_items_total{outcome="failed"}[1h]) /
//   rate(marketwatch_sweep_items_total[1h])
//
//   # P95 provider latency
//   histogram_quantile(0.95, rate(marketwatch_provider_request_duration_seconds_bucket[5m]))
