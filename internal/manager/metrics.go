package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	instancesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "instances",
		Help:      "Model instances by lifecycle state",
	}, []string{"state"})
	loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "loads_total",
		Help:      "Model loads by outcome",
	}, []string{"outcome"})
	loadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "load_duration_seconds",
		Help:      "Time to load a model into its backend",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	unloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "unloads_total",
		Help:      "Model unloads by cause",
	}, []string{"cause"})
	generationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "generations_total",
		Help:      "Generations by outcome",
	}, []string{"outcome"})
	tokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "tokens_total",
		Help:      "Tokens streamed to callers",
	})
	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "rejections_total",
		Help:      "Requests refused before generation by reason",
	}, []string{"reason"})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "manager",
		Name:      "events_dropped_total",
		Help:      "Events dropped for slow subscribers",
	})
)

func init() {
	prometheus.MustRegister(instancesByState, loadsTotal, loadDuration, unloadsTotal,
		generationsTotal, tokensTotal, rejectionsTotal, eventsDropped)
}
