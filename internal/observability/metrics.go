// Package observability exposes the runtime's Prometheus metrics:
// host-call dispatch volume and latency, stream health, region cleanup
// timing, and preflight verdicts.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the counters, histograms, and gauges emitted by
// extension lifecycle, host-call dispatch, streaming, and region
// shutdown.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.HostCallCounter.WithLabelValues("exec", "ok").Inc()
//	defer m.HostCallDuration.WithLabelValues("exec").Observe(time.Since(start).Seconds())
type Metrics struct {
	// HostCallCounter counts dispatched host calls.
	// Labels: method (tool|session|ui|events|log|exec|http), outcome
	// (ok|denied|error)
	HostCallCounter *prometheus.CounterVec

	// HostCallDuration measures host-call handling latency in seconds.
	// Labels: method
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HostCallDuration *prometheus.HistogramVec

	// CapabilityDecisionCounter counts capability policy resolutions.
	// Labels: capability, decision (allow|warn|deny)
	CapabilityDecisionCounter *prometheus.CounterVec

	// StreamStallCounter counts streams whose stall timer fired before a
	// chunk or the final sentinel arrived.
	// Labels: method
	StreamStallCounter *prometheus.CounterVec

	// StreamChunkCounter counts chunks delivered across all streams.
	// Labels: method
	StreamChunkCounter *prometheus.CounterVec

	// RegionCleanupDuration measures how long a region's Drain+Finalize
	// phases took to complete.
	// Labels: outcome (complete|overrun)
	// Buckets: 0.05s, 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s
	RegionCleanupDuration *prometheus.HistogramVec

	// RegionCleanupOverruns counts regions whose cleanup budget expired
	// before Finalize completed.
	RegionCleanupOverruns prometheus.Counter

	// ActiveExtensions is a gauge tracking extensions currently in the
	// Active load state.
	ActiveExtensions prometheus.Gauge

	// PreflightVerdictCounter counts static-analysis verdicts issued
	// during extension activation.
	// Labels: verdict (Pass|Warn|Fail)
	PreflightVerdictCounter *prometheus.CounterVec

	// ExtensionLoadFailures counts extensions that failed to reach the
	// Active load state.
	// Labels: reason (manifest|preflight|capability|engine)
	ExtensionLoadFailures *prometheus.CounterVec
}

// NewMetrics registers every metric against the default Prometheus
// registerer. Intended for process-lifetime use from cmd/extrt.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer registers every metric against reg, letting
// tests pass a fresh prometheus.NewRegistry() so repeated construction
// doesn't collide on the default global registry.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HostCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_hostcall_total",
				Help: "Total number of host calls dispatched, by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		HostCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extrt_hostcall_duration_seconds",
				Help:    "Duration of host-call handling in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),

		CapabilityDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_capability_decisions_total",
				Help: "Total number of capability policy resolutions, by capability and decision",
			},
			[]string{"capability", "decision"},
		),

		StreamStallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_stream_stalls_total",
				Help: "Total number of streams whose stall timer fired",
			},
			[]string{"method"},
		),

		StreamChunkCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_stream_chunks_total",
				Help: "Total number of stream chunks delivered",
			},
			[]string{"method"},
		),

		RegionCleanupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extrt_region_cleanup_duration_seconds",
				Help:    "Duration of a region's drain-and-finalize shutdown phases",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		RegionCleanupOverruns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extrt_region_cleanup_overruns_total",
				Help: "Total number of regions whose cleanup budget expired before finalize completed",
			},
		),

		ActiveExtensions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extrt_active_extensions",
				Help: "Current number of extensions in the Active load state",
			},
		),

		PreflightVerdictCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_preflight_verdicts_total",
				Help: "Total number of preflight static-analysis verdicts issued, by verdict",
			},
			[]string{"verdict"},
		),

		ExtensionLoadFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extrt_extension_load_failures_total",
				Help: "Total number of extensions that failed to reach the Active load state, by reason",
			},
			[]string{"reason"},
		),
	}
}
