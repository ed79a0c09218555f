// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for providers, ingestion and search.
//
// Metrics:
//   - crmrag_provider_requests_total{provider,operation,status}
//   - crmrag_provider_request_duration_seconds{provider,operation}
//   - crmrag_provider_retries_total{provider}
//   - crmrag_rate_limit_rejections_total{provider}
//   - crmrag_provider_inflight{provider}
//   - crmrag_chunks_embedded_total
//   - crmrag_documents_processed_total{outcome}
//   - crmrag_ingest_duration_seconds
//   - crmrag_searches_total{mode}
type Metrics struct {
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	ProviderRetries    *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	ProviderInflight   *prometheus.GaugeVec
	ChunksEmbedded     prometheus.Counter
	DocumentsProcessed *prometheus.CounterVec
	IngestDuration     prometheus.Histogram
	Searches           *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg yields unregistered
// collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrag_provider_requests_total",
			Help: "AI provider calls by provider, operation and status",
		}, []string{"provider", "operation", "status"}),

		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmrag_provider_request_duration_seconds",
			Help:    "Duration of AI provider calls in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrag_provider_retries_total",
			Help: "Retries scheduled after a retryable provider failure",
		}, []string{"provider"}),

		RateLimitRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrag_rate_limit_rejections_total",
			Help: "Calls refused by the local token bucket",
		}, []string{"provider"}),

		ProviderInflight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crmrag_provider_inflight",
			Help: "In-flight AI provider calls",
		}, []string{"provider"}),

		ChunksEmbedded: f.NewCounter(prometheus.CounterOpts{
			Name: "crmrag_chunks_embedded_total",
			Help: "Chunks embedded and persisted",
		}),

		DocumentsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrag_documents_processed_total",
			Help: "Documents processed by outcome",
		}, []string{"outcome"}), // "ready", "failed", "aborted"

		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crmrag_ingest_duration_seconds",
			Help:    "End-to-end document processing time",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crmrag_searches_total",
			Help: "Searches by mode",
		}, []string{"mode"}), // "vector", "text_fallback", "text"
	}
}

// ObserveProviderCall records one provider call outcome.
func (m *Metrics) ObserveProviderCall(provider, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.WithLabelValues(provider, op, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

// Noop returns metrics that are not registered anywhere.
func Noop() *Metrics {
	return New(nil)
}
