package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry prometheus.Gatherer

	LLMRequests     *prometheus.CounterVec
	LLMFailures     *prometheus.CounterVec
	LLMLatency      *prometheus.HistogramVec
	MemorySessions  prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
	PersistedWrites *prometheus.CounterVec
}

// NewMetrics registers instruments on a fresh registry so several instances
// (one per test) can coexist.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM invocations by operation and mode.",
		}, []string{"operation", "mode"}),
		LLMFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failures_total",
			Help:      "LLM invocations that ended in a fallback reply.",
		}, []string{"operation", "mode"}),
		LLMLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Wall time of LLM invocations.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"operation", "mode"}),
		MemorySessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_sessions",
			Help:      "Sessions currently held in conversation memory.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		PersistedWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_messages_total",
			Help:      "Messages written to the database by role.",
		}, []string{"role"}),
	}
}

// ObserveLLM records one LLM call.
func (m *Metrics) ObserveLLM(operation, mode string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(operation, mode).Inc()
	m.LLMLatency.WithLabelValues(operation, mode).Observe(d.Seconds())
	if failed {
		m.LLMFailures.WithLabelValues(operation, mode).Inc()
	}
}

// SetMemorySessions updates the session gauge.
func (m *Metrics) SetMemorySessions(n int) {
	if m == nil {
		return
	}
	m.MemorySessions.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

// CountPersisted records a stored message.
func (m *Metrics) CountPersisted(role string) {
	if m == nil {
		return
	}
	m.PersistedWrites.WithLabelValues(role).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
