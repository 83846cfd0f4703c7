package guard

import "github.com/prometheus/client_golang/prometheus"

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "guard",
		Name:      "actions_total",
		Help:      "Guard actions by kind",
	}, []string{"action"})
	freeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "guard",
		Name:      "free_memory_bytes",
		Help:      "Last sampled free memory",
	})
	exhaustedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "guard",
		Name:      "resource_exhausted",
		Help:      "1 while new work is refused for lack of resources",
	})
)

func init() {
	prometheus.MustRegister(actionsTotal, freeBytes, exhaustedGauge)
}
