package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests chi could not route, keeping arbitrary
// paths out of label values.
const unmatchedRoute = "unmatched"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"path", "method", "status"})

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time to complete a request, including the whole stream for NDJSON routes.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"path", "method", "status"})

	inflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Requests currently being served.",
	})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "backpressure_total",
		Help:      "Requests answered 429 by reason.",
	}, []string{"reason"})

	streamLinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "stream_lines_total",
		Help:      "NDJSON lines written by route.",
	}, []string{"path"})

	firstChunkSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifecycled",
		Subsystem: "http",
		Name:      "infer_first_chunk_seconds",
		Help:      "Time from request start to the first streamed token, load and queueing included.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, inflightRequests, rejectionsTotal, streamLinesTotal, firstChunkSeconds)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// MetricsMiddleware counts and times every request by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflightRequests.Inc()
		defer inflightRequests.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		// chi fills the pattern in while routing, so read it afterwards.
		labels := prometheus.Labels{"path": routeLabel(r), "method": r.Method, "status": strconv.Itoa(sr.status)}
		requestsTotal.With(labels).Inc()
		requestSeconds.With(labels).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the chi route pattern, or unmatchedRoute.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// routePatternOrPath is routeLabel for logs, where the raw path is useful.
func routePatternOrPath(r *http.Request) string {
	if p := routeLabel(r); p != unmatchedRoute {
		return p
	}
	return r.URL.Path
}

// IncrementBackpressure counts one 429 answer.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	rejectionsTotal.WithLabelValues(reason).Inc()
}
