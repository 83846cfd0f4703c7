package bench

import "github.com/prometheus/client_golang/prometheus"

var (
	recordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "bench",
		Name:      "records_total",
		Help:      "Benchmark records enqueued",
	})
	flushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "bench",
		Name:      "flushed_total",
		Help:      "Benchmark records persisted to the store",
	})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "bench",
		Name:      "dropped_total",
		Help:      "Benchmark records discarded",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(recordedTotal, flushedTotal, droppedTotal)
}
