package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProviderRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "provider_requests_total",
		Help:      "Number of chat completion requests sent to the provider.",
	})
	metricProviderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iofold",
		Name:      "provider_failures_total",
		Help:      "Number of provider requests that failed.",
	})
	metricProviderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "iofold",
		Name:      "provider_request_duration_seconds",
		Help:      "Latency of provider chat completion requests.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

func recordProviderRequest(d time.Duration) {
	metricProviderRequests.Inc()
	metricProviderDuration.Observe(d.Seconds())
}

func recordProviderFailure() {
	metricProviderFailures.Inc()
}
