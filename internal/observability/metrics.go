// Package observability exposes failover activity as Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"llmrelay/internal/failover"
)

// PrometheusHooks implements failover.Hooks.
type PrometheusHooks struct {
	attempts  *prometheus.CounterVec
	rotations *prometheus.CounterVec
	failovers *prometheus.CounterVec
	exhausted prometheus.Counter
	duration  *prometheus.HistogramVec
}

var _ failover.Hooks = (*PrometheusHooks)(nil)

// NewPrometheusHooks registers the relay metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusHooks(reg prometheus.Registerer) *PrometheusHooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusHooks{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_completion_attempts_total",
			Help: "Completion attempts by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),
		rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_model_rotations_total",
			Help: "Model rotations inside a provider after a rate limit",
		}, []string{"provider"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_failovers_total",
			Help: "Moves from a provider to the next one in priority order",
		}, []string{"from"}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmrelay_exhausted_total",
			Help: "Requests that failed on every provider",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrelay_attempt_duration_seconds",
			Help:    "Latency of completion attempts that reached a backend",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
	}
}

func (h *PrometheusHooks) AttemptFinished(provider, model string, outcome failover.Outcome, elapsed time.Duration) {
	h.attempts.WithLabelValues(provider, model, string(outcome)).Inc()
	if outcome != failover.OutcomeSkipped {
		h.duration.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

func (h *PrometheusHooks) ModelRotated(provider string) {
	h.rotations.WithLabelValues(provider).Inc()
}

func (h *PrometheusHooks) FailedOver(from string) {
	h.failovers.WithLabelValues(from).Inc()
}

func (h *PrometheusHooks) Exhausted() {
	h.exhausted.Inc()
}
