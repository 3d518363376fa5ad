// Package metrics provides Prometheus metrics for the chat pipeline.
//
// All Record methods are safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bestii"

// Metrics holds all Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	// Completion metrics
	CompletionsTotal   *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec

	// Conversation metrics
	TurnsTotal    *prometheus.CounterVec
	MessagesTotal *prometheus.CounterVec

	// Memory metrics
	SummarisationsTotal *prometheus.CounterVec
	SummaryTokens       prometheus.Histogram

	StartTime time.Time
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates and registers the instruments on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{registry: reg, StartTime: time.Now()}

	m.CompletionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion requests by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	m.CompletionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion request latency including retries",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"backend"},
	)

	m.TurnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by persona and outcome",
		},
		[]string{"persona", "outcome"},
	)

	m.MessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store by role",
		},
		[]string{"role"},
	)

	m.SummarisationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarisations_total",
			Help:      "Summarisation checks by outcome",
		},
		[]string{"outcome"},
	)

	m.SummaryTokens = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_tokens",
			Help:      "Token count of written summaries",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 7),
		},
	)

	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCompletion records one completion request.
func (m *Metrics) ObserveCompletion(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(backend, outcome).Inc()
	m.CompletionDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// RecordTurn records the end of a conversation turn.
func (m *Metrics) RecordTurn(persona, outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(persona, outcome).Inc()
}

// RecordMessage records a persisted message.
func (m *Metrics) RecordMessage(role string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(role).Inc()
}

// RecordSummarisation records the outcome of one summarisation check and,
// when a summary was written, its size.
func (m *Metrics) RecordSummarisation(outcome string, tokens int) {
	if m == nil {
		return
	}
	m.SummarisationsTotal.WithLabelValues(outcome).Inc()
	if tokens > 0 {
		m.SummaryTokens.Observe(float64(tokens))
	}
}
