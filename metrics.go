package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// Relay metrics
var (
	relayQueriesTotal atomic.Int64
)

// Blob metrics
var (
	blobFetchesTotal     atomic.Int64
	blobFetchErrorsTotal atomic.Int64
)

// Invalidation metrics
var (
	invalidationsTotal atomic.Int64
)

var serverStartTime = time.Now()

// IncrementCacheHit increments the cache hit counter
func IncrementCacheHit() {
	cacheHitsTotal.Add(1)
}

// IncrementCacheMiss increments the cache miss counter
func IncrementCacheMiss() {
	cacheMissesTotal.Add(1)
}

// IncrementRelayQuery increments the relay query counter
func IncrementRelayQuery() {
	relayQueriesTotal.Add(1)
}

// IncrementBlobFetch increments the successful blob fetch counter
func IncrementBlobFetch() {
	blobFetchesTotal.Add(1)
}

// IncrementBlobFetchError counts fetches that failed on every server
func IncrementBlobFetchError() {
	blobFetchErrorsTotal.Add(1)
}

// IncrementInvalidation counts cache updates applied by the subscriber
func IncrementInvalidation() {
	invalidationsTotal.Add(1)
}

// metricsHandler serves Prometheus-compatible metrics
func metricsHandler(pool *RelayPool, inv *InvalidationSubscriber, cacheBackendType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Build info metric
		fmt.Fprintf(w, "# HELP nsite_build_info Build and configuration information\n")
		fmt.Fprintf(w, "# TYPE nsite_build_info gauge\n")
		fmt.Fprintf(w, "nsite_build_info{cache_backend=%q,go_version=%q} 1\n\n", cacheBackendType, runtime.Version())

		// Process metrics
		fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
		fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
		fmt.Fprintf(w, "process_start_time_seconds %d\n\n", serverStartTime.Unix())

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

		// Go runtime metrics
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total memory obtained from the OS\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n\n", memStats.Sys)

		fmt.Fprintf(w, "# HELP go_gc_cycles_total Number of completed GC cycles\n")
		fmt.Fprintf(w, "# TYPE go_gc_cycles_total counter\n")
		fmt.Fprintf(w, "go_gc_cycles_total %d\n\n", memStats.NumGC)

		// HTTP metrics
		fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
		fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
		fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

		fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
		fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
		fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

		// Relay metrics
		fmt.Fprintf(w, "# HELP nsite_relay_queries_total Total broadcast relay queries\n")
		fmt.Fprintf(w, "# TYPE nsite_relay_queries_total counter\n")
		fmt.Fprintf(w, "nsite_relay_queries_total %d\n\n", relayQueriesTotal.Load())

		fmt.Fprintf(w, "# HELP nsite_relay_connections_active Number of pooled relay connections\n")
		fmt.Fprintf(w, "# TYPE nsite_relay_connections_active gauge\n")
		fmt.Fprintf(w, "nsite_relay_connections_active %d\n\n", pool.ConnectionCount())

		// Blob metrics
		fmt.Fprintf(w, "# HELP nsite_blob_fetches_total Blobs fetched from servers\n")
		fmt.Fprintf(w, "# TYPE nsite_blob_fetches_total counter\n")
		fmt.Fprintf(w, "nsite_blob_fetches_total %d\n\n", blobFetchesTotal.Load())

		fmt.Fprintf(w, "# HELP nsite_blob_fetch_errors_total Blob fetches that failed on every server\n")
		fmt.Fprintf(w, "# TYPE nsite_blob_fetch_errors_total counter\n")
		fmt.Fprintf(w, "nsite_blob_fetch_errors_total %d\n\n", blobFetchErrorsTotal.Load())

		// Invalidation metrics
		if inv != nil {
			fmt.Fprintf(w, "# HELP nsite_invalidations_total Cache updates applied by the subscriber\n")
			fmt.Fprintf(w, "# TYPE nsite_invalidations_total counter\n")
			fmt.Fprintf(w, "nsite_invalidations_total %d\n\n", invalidationsTotal.Load())

			fmt.Fprintf(w, "# HELP nsite_invalidation_subscriptions_live Relay legs with open subscriptions\n")
			fmt.Fprintf(w, "# TYPE nsite_invalidation_subscriptions_live gauge\n")
			fmt.Fprintf(w, "nsite_invalidation_subscriptions_live %d\n\n", inv.LiveSubscriptions())

			fmt.Fprintf(w, "# HELP nsite_invalidation_state Subscriber state\n")
			fmt.Fprintf(w, "# TYPE nsite_invalidation_state gauge\n")
			fmt.Fprintf(w, "nsite_invalidation_state{state=%q} 1\n\n", inv.State())
		}

		// Cache metrics
		cacheHits := cacheHitsTotal.Load()
		cacheMisses := cacheMissesTotal.Load()

		fmt.Fprintf(w, "# HELP cache_hits_total Total cache hits\n")
		fmt.Fprintf(w, "# TYPE cache_hits_total counter\n")
		fmt.Fprintf(w, "cache_hits_total %d\n\n", cacheHits)

		fmt.Fprintf(w, "# HELP cache_misses_total Total cache misses\n")
		fmt.Fprintf(w, "# TYPE cache_misses_total counter\n")
		fmt.Fprintf(w, "cache_misses_total %d\n\n", cacheMisses)

		// Cache hit ratio (useful for alerting)
		var hitRatio float64
		if total := cacheHits + cacheMisses; total > 0 {
			hitRatio = float64(cacheHits) / float64(total)
		}
		fmt.Fprintf(w, "# HELP cache_hit_ratio Cache hit ratio (0-1)\n")
		fmt.Fprintf(w, "# TYPE cache_hit_ratio gauge\n")
		fmt.Fprintf(w, "cache_hit_ratio %.4f\n", hitRatio)
	}
}
