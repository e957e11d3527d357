// Package metrics exposes Prometheus metrics for the message pipeline.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes used as the "outcome" label.
const (
	OutcomeIgnored     = "ignored"
	OutcomeHelp        = "help"
	OutcomeRateLimited = "rate_limited"
	OutcomeReplied     = "replied"
	OutcomeFailed      = "failed"
)

// Transcription lookup results.
const (
	TranscriptionHit   = "hit"
	TranscriptionMiss  = "miss"
	TranscriptionError = "error"
)

// Metrics holds the collectors. Each instance owns its registry so tests
// can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Labels: channel, outcome
	turns *prometheus.CounterVec

	// Labels: tier
	generationDuration *prometheus.HistogramVec

	// Labels: tier, status (success|error)
	generations *prometheus.CounterVec

	// Labels: result (hit|miss|error)
	transcriptions *prometheus.CounterVec

	contextUnits prometheus.Histogram
	inFlight     prometheus.Gauge
}

// New creates a Metrics with a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convobot_turns_total",
				Help: "Inbound messages handled, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		generationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convobot_generation_duration_seconds",
				Help:    "Duration of reply generation in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"tier"},
		),
		generations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convobot_generations_total",
				Help: "Reply generations by tier and status",
			},
			[]string{"tier", "status"},
		),
		transcriptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convobot_transcriptions_total",
				Help: "Transcription lookups by result",
			},
			[]string{"result"},
		),
		contextUnits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "convobot_context_units",
			Help:    "Number of content units sent per generation",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "convobot_turns_in_flight",
			Help: "Turns currently being processed",
		}),
	}
}

// TurnStarted marks a turn as in flight. Call the returned func when done.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// TurnFinished counts a finished turn.
func (m *Metrics) TurnFinished(channel, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(channel, outcome).Inc()
}

// ObserveGeneration records one generation call.
func (m *Metrics) ObserveGeneration(tier string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.generations.WithLabelValues(tier, status).Inc()
	m.generationDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// ObserveContextUnits records the size of an assembled context.
func (m *Metrics) ObserveContextUnits(n int) {
	if m == nil {
		return
	}
	m.contextUnits.Observe(float64(n))
}

// TranscriptionLookup counts a transcription cache hit, miss or error.
func (m *Metrics) TranscriptionLookup(result string) {
	if m == nil {
		return
	}
	m.transcriptions.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
