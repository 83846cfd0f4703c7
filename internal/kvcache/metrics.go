package kvcache

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "entries",
		Help:      "Conversation entries currently cached",
	})
	bytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "bytes",
		Help:      "Accounted bytes held by the cache",
	})
	budgetBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "budget_bytes",
		Help:      "Configured cache byte budget",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "removals_total",
		Help:      "Entries removed from the cache by reason",
	}, []string{"reason"})
	hits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "hits_total",
		Help:      "GetOrCreate calls that found a live entry",
	})
	misses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "kvcache",
		Name:      "misses_total",
		Help:      "GetOrCreate calls that created a fresh entry",
	})
)

func init() {
	prometheus.MustRegister(entriesGauge, bytesGauge, budgetBytes, evictionsTotal, hits, misses)
}
