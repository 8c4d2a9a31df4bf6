package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики обмена учётных данных
var (
	credentialsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybridge_credentials_issued_total",
			Help: "Credentials issued, by kind (token/request/code).",
		},
		[]string{"kind"},
	)

	credentialsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybridge_credentials_resolved_total",
			Help: "Consume/claim/redeem attempts, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	rateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybridge_rate_limit_denied_total",
			Help: "Requests denied by an operation rate limiter.",
		},
		[]string{"op"},
	)

	auditFlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keybridge_audit_flush_failures_total",
		Help: "Audit sink flushes that failed and were requeued.",
	})

	auditEntriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keybridge_audit_entries_dropped_total",
		Help: "Audit entries dropped before reaching the durable sink.",
	})

	snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keybridge_snapshot_failures_total",
		Help: "Pending-request snapshot writes that failed.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		credentialsIssued, credentialsResolved, rateLimitDenied,
		auditFlushFailures, auditEntriesDropped, snapshotFailures,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

func CredentialIssued(kind string) {
	credentialsIssued.WithLabelValues(kind).Inc()
}

func CredentialResolved(kind, outcome string) {
	credentialsResolved.WithLabelValues(kind, outcome).Inc()
}

func RateLimitDenied(op string) {
	rateLimitDenied.WithLabelValues(op).Inc()
}

func AuditFlushFailed() { auditFlushFailures.Inc() }

func AuditEntriesDropped(n int) { auditEntriesDropped.Add(float64(n)) }

func SnapshotFailed() { snapshotFailures.Inc() }

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // без роутера берём как есть
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush пробрасывает http.Flusher, иначе SSE через Instrument не работает.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
