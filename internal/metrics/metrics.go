// Package metrics provides Prometheus metrics for monitoring the voting
// fleet.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AttemptsTotal counts finished voting attempts by outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votefleet_attempts_total",
			Help: "Total voting attempts by outcome",
		},
		[]string{"outcome"},
	)

	// VotesTotal counts successful votes (verified and unverified).
	VotesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "votefleet_votes_total",
			Help: "Total successful votes",
		},
	)

	// AttemptDuration tracks end-to-end attempt duration.
	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "votefleet_attempt_duration_seconds",
			Help:    "Voting attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
	)

	// LaunchGateWait tracks how long attempts waited for a launch slot.
	LaunchGateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "votefleet_launch_gate_wait_seconds",
			Help:    "Time spent waiting for a browser launch slot",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		},
	)

	// OpenBrowsers shows how many browsers are currently held.
	OpenBrowsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_open_browsers",
			Help: "Browsers currently open",
		},
	)

	// PausedInstances shows how many instances are parked.
	PausedInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_paused_instances",
			Help: "Instances currently paused",
		},
	)

	// ExcludedInstances shows how many instances lost their login.
	ExcludedInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_excluded_instances",
			Help: "Instances excluded until restart",
		},
	)

	// GlobalLimitActive is 1 while the site-wide hourly limit is in force.
	GlobalLimitActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_global_limit_active",
			Help: "Whether the site-wide hourly limit is active",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "votefleet_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "votefleet_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		AttemptsTotal,
		VotesTotal,
		AttemptDuration,
		LaunchGateWait,
		OpenBrowsers,
		PausedInstances,
		ExcludedInstances,
		GlobalLimitActive,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordAttempt records metrics for one finished attempt.
func RecordAttempt(outcome string, success bool, duration time.Duration) {
	AttemptsTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.Observe(duration.Seconds())
	if success {
		VotesTotal.Inc()
	}
}

// ObserveLaunchGateWait records one launch slot wait.
func ObserveLaunchGateWait(duration time.Duration) {
	LaunchGateWait.Observe(duration.Seconds())
}

// UpdateFleet updates the fleet-level gauges.
func UpdateFleet(openBrowsers, paused, excluded int, globalLimit bool) {
	OpenBrowsers.Set(float64(openBrowsers))
	PausedInstances.Set(float64(paused))
	ExcludedInstances.Set(float64(excluded))
	if globalLimit {
		GlobalLimitActive.Set(1)
	} else {
		GlobalLimitActive.Set(0)
	}
}

// StartMemoryCollector starts a goroutine that periodically updates memory
// metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
