// Package metrics exposes Prometheus collectors for the mutation pipeline:
// executor attempts and retries, breaker transitions, dead letters, and
// idempotency cache traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so packages can take metrics optionally.
type Metrics struct {
	executorAttempts *prometheus.CounterVec
	executorRetries  *prometheus.CounterVec
	breakerOpens     *prometheus.CounterVec
	breakerOpen      *prometheus.GaugeVec
	deadLetters      *prometheus.CounterVec
	idempotency      *prometheus.CounterVec
}

// New registers the reportline collectors with reg. Tests pass a fresh
// registry so repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executorAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportline_executor_attempts_total",
				Help: "Side-effect execution attempts by operation kind and result",
			},
			[]string{"kind", "result"},
		),
		executorRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportline_executor_retries_total",
				Help: "Backoff retries scheduled by operation kind",
			},
			[]string{"kind"},
		),
		breakerOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportline_breaker_opens_total",
				Help: "Circuit breaker open transitions by operation kind",
			},
			[]string{"kind"},
		),
		breakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reportline_breaker_open",
				Help: "Whether the circuit breaker for an operation kind is currently open",
			},
			[]string{"kind"},
		),
		deadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportline_dead_letters_total",
				Help: "Side effects that exhausted all retries, by operation kind",
			},
			[]string{"kind"},
		),
		idempotency: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportline_idempotency_lookups_total",
				Help: "Idempotency cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveAttempt(kind, result string) {
	if m != nil {
		m.executorAttempts.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) ObserveRetry(kind string) {
	if m != nil {
		m.executorRetries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveBreakerOpen(kind string) {
	if m != nil {
		m.breakerOpens.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetBreakerOpen(kind string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(kind).Set(v)
}

func (m *Metrics) ObserveDeadLetter(kind string) {
	if m != nil {
		m.deadLetters.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveIdempotency(result string) {
	if m != nil {
		m.idempotency.WithLabelValues(result).Inc()
	}
}
