package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "queue_batches_total",
		Help:      "Number of non-empty batches processed.",
	})
	metricSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "queue_messages_succeeded_total",
		Help:      "Number of messages whose handler completed.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "queue_retries_total",
		Help:      "Number of message deliveries returned to the queue for retry.",
	})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "queue_duplicates_total",
		Help:      "Number of duplicate deliveries dropped by the idempotent start.",
	})
	metricDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "queue_dead_lettered_total",
		Help:      "Number of messages moved to the dead letter store.",
	})
)

func recordBatch(counts BatchCounts) {
	if counts == (BatchCounts{}) {
		return
	}
	metricBatches.Inc()
	metricSucceeded.Add(float64(counts.Succeeded))
}

func recordRetry() {
	metricRetries.Inc()
}

func recordDuplicate() {
	metricDuplicates.Inc()
}

func recordDeadLettered() {
	metricDeadLettered.Inc()
}
