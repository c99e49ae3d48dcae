// Package metrics exposes Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Stream metrics
	StreamsActive    prometheus.Gauge
	StreamsTotal     *prometheus.CounterVec
	StreamBytesTotal prometheus.Counter

	// Upstream metrics
	UpstreamErrorsTotal *prometheus.CounterVec
	ModelLookupsTotal   *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tutor_relay"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of relay requests",
		},
		[]string{"action", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Relay request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"action"},
	)

	streamsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of chat streams currently being relayed",
		},
	)

	streamsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of relayed chat streams by outcome",
		},
		[]string{"outcome"},
	)

	streamBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Total bytes relayed downstream on chat streams",
		},
	)

	upstreamErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of failed upstream calls",
		},
		[]string{"action", "status"},
	)

	modelLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_lookups_total",
			Help:      "Model resolutions by result",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		streamsActive,
		streamsTotal,
		streamBytesTotal,
		upstreamErrorsTotal,
		modelLookupsTotal,
	)

	return &Metrics{
		registry:            registry,
		RequestsTotal:       requestsTotal,
		RequestDuration:     requestDuration,
		StreamsActive:       streamsActive,
		StreamsTotal:        streamsTotal,
		StreamBytesTotal:    streamBytesTotal,
		UpstreamErrorsTotal: upstreamErrorsTotal,
		ModelLookupsTotal:   modelLookupsTotal,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed relay request.
func (m *Metrics) RecordRequest(action string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStreamStart records a chat stream starting.
func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a chat stream ending with the given outcome.
func (m *Metrics) RecordStreamEnd(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.StreamBytesTotal.Add(float64(bytes))
	}
}

// RecordUpstreamError records a failed upstream call. status 0 means the
// upstream was never reached or returned no usable status.
func (m *Metrics) RecordUpstreamError(action string, status int) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

// RecordModelLookup records a model resolution result: "configured", "cached",
// "discovered" or "error".
func (m *Metrics) RecordModelLookup(result string) {
	if m == nil {
		return
	}
	m.ModelLookupsTotal.WithLabelValues(result).Inc()
}
