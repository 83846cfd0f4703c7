package warmup

import "github.com/prometheus/client_golang/prometheus"

var (
	warmupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "warmup",
		Name:      "runs_total",
		Help:      "Warmup generations by outcome",
	}, []string{"outcome"})
	warmupDelta = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifecycled",
		Subsystem: "warmup",
		Name:      "delta_seconds",
		Help:      "Cold first-token latency minus mean warm token latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(warmupsTotal, warmupDelta)
}
