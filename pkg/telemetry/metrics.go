package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics on a private
// registry. A nil *Metrics is valid and records nothing, so tests and
// callers that don't care can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	providerCalls        *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	convergeDuration     *prometheus.HistogramVec
	recordWrites         *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "provider_calls_total",
				Help:      "Provider API calls by provider, operation, and result.",
			},
			[]string{"provider", "operation", "result"},
		),
		providerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider API call latency.",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"provider", "operation"},
		),
		convergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "converge_duration_seconds",
				Help:      "Stage convergence latency by operation.",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"operation"},
		),
		recordWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "dns_record_writes_total",
				Help:      "DNS record mutations by provider and result.",
			},
			[]string{"provider", "result"},
		),
	}

	registry.MustRegister(
		m.providerCalls,
		m.providerCallDuration,
		m.convergeDuration,
		m.recordWrites,
	)
	return m
}

// ObserveProviderCall records one provider API call.
func (m *Metrics) ObserveProviderCall(provider, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation, resultLabel(err)).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if operation == "ensure_record" || operation == "remove_record" {
		m.recordWrites.WithLabelValues(provider, resultLabel(err)).Inc()
	}
}

// ObserveConverge records one stage-level convergence pass.
func (m *Metrics) ObserveConverge(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.convergeDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Registry exposes the private registry for exposition and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
