package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initResilienceMetrics(cfg Config) {
	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	m.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts after a failed call",
		},
		[]string{"instance"},
	)

	m.registry.MustRegister(m.breakerState)
	m.registry.MustRegister(m.breakerRejections)
	m.registry.MustRegister(m.retryAttempts)
}

// SetBreakerState sets the state gauge for one breaker.
func (m *Manager) SetBreakerState(name string, state float64) {
	if !m.enabled {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerRejection records one call rejected by an open breaker.
func (m *Manager) RecordBreakerRejection(name string) {
	if !m.enabled {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

// RecordRetryAttempt records one retry attempt for a named instance.
func (m *Manager) RecordRetryAttempt(instance string) {
	if !m.enabled {
		return
	}
	m.retryAttempts.WithLabelValues(instance).Inc()
}
