package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biopipe"

// Broker consumer metrics (incremented by the amqp consume loop).
var (
	MessagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_consumed_total",
		Help:      "Deliveries received per queue.",
	}, []string{"queue"})

	MessagesAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_acked_total",
		Help:      "Deliveries acknowledged per queue.",
	}, []string{"queue"})

	MessagesNacked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_nacked_total",
		Help:      "Deliveries rejected per queue, split by requeue decision.",
	}, []string{"queue", "requeue"})
)

// Pipeline metrics.
var (
	ObjectsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "objects_stored_total",
		Help:      "Objects written to the object store per bucket.",
	}, []string{"bucket"})

	LinksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_links_created_total",
		Help:      "Session-object link rows created by the linker.",
	})

	CorrectionRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "correction_runs_total",
		Help:      "Event correction jobs by terminal status.",
	}, []string{"status"})
)

// HTTP metrics (incremented by Middleware).
var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "status_code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(
		MessagesConsumed,
		MessagesAcked,
		MessagesNacked,
		ObjectsStored,
		LinksCreated,
		CorrectionRuns,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
