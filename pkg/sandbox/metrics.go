package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSandboxRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "sandbox_runs_total",
		Help:      "Number of sandboxed eval executions attempted.",
	})
	metricSandboxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "sandbox_failures_total",
		Help:      "Number of sandboxed executions that raised instead of returning a verdict.",
	})
	metricSandboxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "sandbox_timeouts_total",
		Help:      "Number of sandboxed executions killed at the timeout.",
	})
	metricSandboxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "iofold",
		Name:      "sandbox_run_duration_seconds",
		Help:      "Wall-clock duration of sandboxed eval executions.",
		Buckets:   prometheus.DefBuckets,
	})
)

func recordSandboxRun(d time.Duration) {
	metricSandboxRuns.Inc()
	metricSandboxDuration.Observe(d.Seconds())
}

func recordSandboxFailure() {
	metricSandboxFailures.Inc()
}

func recordSandboxTimeout() {
	metricSandboxTimeouts.Inc()
}
