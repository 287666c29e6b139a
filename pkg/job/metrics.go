package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "jobs_created_total",
		Help:      "Number of jobs created by enqueue operations.",
	})
	metricJobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "jobs_started_total",
		Help:      "Number of job transitions into the running state.",
	})
	metricJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "jobs_completed_total",
		Help:      "Number of jobs that reached completed status.",
	})
	metricJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "jobs_failed_total",
		Help:      "Number of jobs that reached failed status.",
	})
)

func recordJobCreated() {
	metricJobsCreated.Inc()
}

func recordJobStarted() {
	metricJobsStarted.Inc()
}

func recordJobCompleted() {
	metricJobsCompleted.Inc()
}

func recordJobFailed() {
	metricJobsFailed.Inc()
}
