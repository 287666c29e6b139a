package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPipelineRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "pipeline_rounds_total",
		Help:      "Number of completed eval generation rounds.",
	})
	metricPipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "iofold",
		Name:      "pipeline_round_duration_seconds",
		Help:      "Duration of completed eval generation rounds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	metricCandidateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "pipeline_candidate_errors_total",
		Help:      "Number of candidate executions that errored during testing.",
	})
)

func recordPipelineRound(d time.Duration) {
	metricPipelineRounds.Inc()
	metricPipelineDuration.Observe(d.Seconds())
}

func recordCandidateError() {
	metricCandidateErrors.Inc()
}
