package main

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Subscription metrics
var (
	eventsReceivedTotal       atomic.Int64
	duplicatesSuppressedTotal atomic.Int64
	droppedEventsTotal        atomic.Int64
)

// Publish metrics
var (
	publishAcceptedTotal atomic.Int64
	publishRejectedTotal atomic.Int64
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

// Zap metrics
var (
	zapSuccessTotal atomic.Int64
	zapFailureTotal atomic.Int64
)

var engineStartTime = time.Now()

// IncrementCacheHit increments the metadata cache hit counter
func IncrementCacheHit() {
	cacheHitsTotal.Add(1)
}

// IncrementCacheMiss increments the metadata cache miss counter
func IncrementCacheMiss() {
	cacheMissesTotal.Add(1)
}

// MetricsSnapshot renders current counters in Prometheus text format,
// suitable for logging or dumping on a signal.
func MetricsSnapshot(pool *RelayPool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# HELP nostr_build_info Build and configuration information\n")
	fmt.Fprintf(&b, "# TYPE nostr_build_info gauge\n")
	fmt.Fprintf(&b, "nostr_build_info{go_version=%q} 1\n\n", runtime.Version())

	fmt.Fprintf(&b, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(&b, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(&b, "process_start_time_seconds %d\n\n", engineStartTime.Unix())

	fmt.Fprintf(&b, "# HELP nostr_events_received_total Events received from relays\n")
	fmt.Fprintf(&b, "# TYPE nostr_events_received_total counter\n")
	fmt.Fprintf(&b, "nostr_events_received_total %d\n\n", eventsReceivedTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_duplicates_suppressed_total Cross-relay duplicate events suppressed\n")
	fmt.Fprintf(&b, "# TYPE nostr_duplicates_suppressed_total counter\n")
	fmt.Fprintf(&b, "nostr_duplicates_suppressed_total %d\n\n", duplicatesSuppressedTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_events_dropped_total Events dropped due to slow consumers\n")
	fmt.Fprintf(&b, "# TYPE nostr_events_dropped_total counter\n")
	fmt.Fprintf(&b, "nostr_events_dropped_total %d\n\n", droppedEventsTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_publish_accepted_total Relay OK acks with accepted=true\n")
	fmt.Fprintf(&b, "# TYPE nostr_publish_accepted_total counter\n")
	fmt.Fprintf(&b, "nostr_publish_accepted_total %d\n\n", publishAcceptedTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_publish_rejected_total Relay OK acks with accepted=false\n")
	fmt.Fprintf(&b, "# TYPE nostr_publish_rejected_total counter\n")
	fmt.Fprintf(&b, "nostr_publish_rejected_total %d\n\n", publishRejectedTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_cache_hits_total Metadata cache hits\n")
	fmt.Fprintf(&b, "# TYPE nostr_cache_hits_total counter\n")
	fmt.Fprintf(&b, "nostr_cache_hits_total %d\n\n", cacheHitsTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_cache_misses_total Metadata cache misses\n")
	fmt.Fprintf(&b, "# TYPE nostr_cache_misses_total counter\n")
	fmt.Fprintf(&b, "nostr_cache_misses_total %d\n\n", cacheMissesTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_zap_success_total Zap flows that reached Success\n")
	fmt.Fprintf(&b, "# TYPE nostr_zap_success_total counter\n")
	fmt.Fprintf(&b, "nostr_zap_success_total %d\n\n", zapSuccessTotal.Load())

	fmt.Fprintf(&b, "# HELP nostr_zap_failure_total Zap flows that reached Error\n")
	fmt.Fprintf(&b, "# TYPE nostr_zap_failure_total counter\n")
	fmt.Fprintf(&b, "nostr_zap_failure_total %d\n\n", zapFailureTotal.Load())

	if pool != nil {
		fmt.Fprintf(&b, "# HELP nostr_relay_connected Relay connection state (1 = connected)\n")
		fmt.Fprintf(&b, "# TYPE nostr_relay_connected gauge\n")
		for _, url := range pool.URLs() {
			connected := 0
			if pool.Connection(url) == StateConnected {
				connected = 1
			}
			fmt.Fprintf(&b, "nostr_relay_connected{relay=%q} %d\n", url, connected)
		}
	}

	return b.String()
}
