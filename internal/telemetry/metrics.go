package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	AttemptTotal      *prometheus.CounterVec
	RetryTotal        *prometheus.CounterVec
	FallbackTotal     *prometheus.CounterVec
	QuotaEventTotal   *prometheus.CounterVec
	StreamChunkTotal  *prometheus.CounterVec
}

// NewMetrics registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_request_total",
			Help: "Total number of generation requests answered by the gateway.",
		}, []string{"route", "provider", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigw_request_duration_ms",
			Help:    "Request duration in milliseconds, including retries and backoff.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}, []string{"route", "provider"}),

		AttemptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_provider_attempt_total",
			Help: "Provider attempts by candidate and outcome.",
		}, []string{"candidate", "outcome"}),

		RetryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_retry_total",
			Help: "Retries scheduled after a transient provider failure.",
		}, []string{"candidate", "kind"}),

		FallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_fallback_total",
			Help: "Times a candidate failed and the router moved to the next one.",
		}, []string{"candidate"}),

		QuotaEventTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_quota_event_total",
			Help: "Quota accounting events (reserved, released, limit_reached, error).",
		}, []string{"event"}),

		StreamChunkTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aigw_stream_chunk_total",
			Help: "Chunks relayed to streaming clients.",
		}, []string{"provider"}),
	}
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Route      string
	Provider   string
	Status     string
	DurationMs float64
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Route, labels.Provider, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Route, labels.Provider).Observe(labels.DurationMs)
}

func (m *Metrics) RecordAttempt(candidate, outcome string) {
	m.AttemptTotal.WithLabelValues(candidate, outcome).Inc()
}

func (m *Metrics) RecordRetry(candidate, kind string) {
	m.RetryTotal.WithLabelValues(candidate, kind).Inc()
}

func (m *Metrics) RecordFallback(candidate string) {
	m.FallbackTotal.WithLabelValues(candidate).Inc()
}

// RecordQuotaEvent implements quota.EventRecorder.
func (m *Metrics) RecordQuotaEvent(event string) {
	m.QuotaEventTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordStreamChunk(provider string) {
	m.StreamChunkTotal.WithLabelValues(provider).Inc()
}
