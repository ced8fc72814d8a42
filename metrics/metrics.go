// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: requests, files, tests, api calls.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyscallTimeHistogram tracks the latency of a netlink socket syscall
	// (sendto/recvfrom). It does NOT include the time to decode the
	// returned messages.
	SyscallTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "netlinkit_syscall_time_histogram",
			Help: "netlink syscall latency distribution (seconds)",
			Buckets: []float64{
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1, 0.125, 0.16, 0.2,
			},
		},
		[]string{"family", "op"})

	// PollingHistogram tracks how long each dump polling cycle in
	// cmd/nlcollect takes, from the start of its first dump to the end of
	// its last.
	PollingHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netlinkit_polling_interval_histogram",
			Help:    "collector polling cycle duration distribution (seconds)",
			Buckets: prometheus.LinearBuckets(0, .001, 20),
		},
	)

	// ConnectionCountHistogram tracks the number of sockets returned by
	// each SOCK_DIAG_BY_FAMILY dump.
	ConnectionCountHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "netlinkit_connection_count_histogram",
			Help: "connection count histogram",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 1250, 1600, 2000, 2500, 3200, 4000, 5000, 6300, 7900,
				10000, 12500, 16000, 20000, 25000, 32000, 40000, 50000, 63000, 79000,
				10000000,
			},
		},
		[]string{"af"})

	// CacheSizeHistogram is registered for the number of entries in a
	// collector connection cache; no code in this module observes it.
	CacheSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netlinkit_cache_count_histogram",
			Help: "cache connection count histogram",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 1250, 1600, 2000, 2500, 3200, 4000, 5000, 6300, 7900,
				10000, 12500, 16000, 20000, 25000, 32000, 40000, 50000, 63000, 79000,
				10000000,
			},
		})

	// ErrorCount measures the number of errors encountered, broken down by
	// a short type label (e.g. "decode", "kernel", "timeout", "proxy").
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlinkit_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// PortPoolOccupancy tracks how many of the process-wide netlink port
	// pool's 1024 slots are currently allocated (spec.md §4.8 address
	// pool, used by nlsock for auto-bind).
	PortPoolOccupancy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netlinkit_port_pool_occupancy",
			Help: "Number of netlink port-pool slots currently allocated.",
		},
	)

	// ChoiceFallbackCount counts attribute decodes where a Choice node's
	// discriminator could not be resolved (absent sibling, or an unknown
	// variant value) and the raw bytes were returned as hex instead
	// (spec.md §9 Open Questions).
	ChoiceFallbackCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlinkit_choice_fallback_total",
			Help: "Number of Choice attributes that fell back to raw hex decoding.",
		},
	)

	// ProxyInterceptCount counts request-proxy handler invocations, by
	// (protocol, msg_type, outcome) where outcome is one of
	// forward/synthesize/error (spec.md §4.7 request proxy).
	ProxyInterceptCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netlinkit_proxy_intercept_total",
			Help: "Number of request-proxy interceptions, by outcome.",
		}, []string{"protocol", "msg_type", "outcome"})

	// SendRateHistogram is registered for the 1 second average TCP send
	// rate of a collected connection; no code in this module observes it.
	SendRateHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netlinkit_send_rate_histogram",
			Help: "send rate histogram",
			Buckets: []float64{
				0,
				1, 10, 100, 1000,
				10000, 12600, 15800, 20000, 25100, 31600, 39800, 50100, 63100, 79400,
				100000, 126000, 158000, 200000, 251000, 316000, 398000, 501000, 631000, 794000,
				1000000, 1260000, 1580000, 2000000, 2510000, 3160000, 3980000, 5010000, 6310000, 7940000,
				10000000,
			},
		})

	// SnapshotCount is registered for the total number of connection
	// snapshots collected; no code in this module increments it.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netlinkit_snapshot_total",
			Help: "Number of snapshots taken.",
		},
	)
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in netlinkit.metrics are registered.")
}
