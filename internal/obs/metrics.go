package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Gateway metrics
var (
	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Policy evaluations by outcome.",
		},
		[]string{"decision"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Sensitive operations rejected by the per-user rate limiter.",
		},
		[]string{"action"},
	)

	actionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_executions_total",
			Help: "Action gateway executions by action and status.",
		},
		[]string{"action", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})

	registerOnce sync.Once
)

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			policyDecisions, auditWriteFailures, rateLimitRejections, actionExecutions, ready,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePolicyDecision counts an allow/deny decision.
func ObservePolicyDecision(decision string) {
	policyDecisions.WithLabelValues(decision).Inc()
}

// ObserveAuditFailure counts a dropped audit write.
func ObserveAuditFailure() {
	auditWriteFailures.Inc()
}

// ObserveRateLimited counts a rate-limited operation.
func ObserveRateLimited(action string) {
	rateLimitRejections.WithLabelValues(action).Inc()
}

// ObserveAction counts an action execution outcome.
func ObserveAction(action, status string) {
	actionExecutions.WithLabelValues(action, status).Inc()
}

// SetReady records the latest readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records in-flight count, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so that label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "resources":
		return "/resources/:type"
	case len(parts) == 3 && parts[0] == "resources":
		return "/resources/:type/:id"
	case len(parts) == 2 && parts[0] == "actions":
		return "/actions/:action"
	case len(parts) == 3 && parts[0] == "admin-mcp-secrets" && parts[1] == "deactivate":
		return "/admin-mcp-secrets/deactivate/:id"
	case len(parts) == 2 && parts[0] == "callbacks":
		return "/callbacks/:provider"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
