package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of sagas started",
		},
		[]string{"saga_type"},
	)

	m.sagaCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_completed_total",
			Help: "Total number of sagas that completed successfully",
		},
		[]string{"saga_type"},
	)

	m.sagaCompensated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensated_total",
			Help: "Total number of sagas that finished compensated",
		},
		[]string{"saga_type"},
	)

	m.sagaFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_failed_total",
			Help: "Total number of sagas that finished failed",
		},
		[]string{"saga_type"},
	)

	m.sagaTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_timedout_total",
			Help: "Total number of sagas closed by the timeout detector",
		},
		[]string{"saga_type"},
	)

	m.sagaCompensationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_failed_total",
			Help: "Total number of compensation steps that failed",
		},
		[]string{"saga_type"},
	)

	m.sagasActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sagas_active_count",
			Help: "Current number of sagas in a non-terminal state",
		},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga duration from start to terminal state in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"saga_type"},
	)

	m.sagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step execution duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"saga_type", "step_name"},
	)

	m.registry.MustRegister(m.sagaStarted)
	m.registry.MustRegister(m.sagaCompleted)
	m.registry.MustRegister(m.sagaCompensated)
	m.registry.MustRegister(m.sagaFailed)
	m.registry.MustRegister(m.sagaTimedOut)
	m.registry.MustRegister(m.sagaCompensationsFailed)
	m.registry.MustRegister(m.sagasActive)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaStepDuration)
}

// RecordSagaStarted records one saga start.
func (m *Manager) RecordSagaStarted(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaStarted.WithLabelValues(sagaType).Inc()
}

// RecordSagaCompleted records one successful saga completion.
func (m *Manager) RecordSagaCompleted(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaCompleted.WithLabelValues(sagaType).Inc()
}

// RecordSagaCompensated records one compensated saga.
func (m *Manager) RecordSagaCompensated(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaCompensated.WithLabelValues(sagaType).Inc()
}

// RecordSagaFailed records one failed saga.
func (m *Manager) RecordSagaFailed(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaFailed.WithLabelValues(sagaType).Inc()
}

// RecordSagaTimedOut records one saga closed by the timeout detector.
func (m *Manager) RecordSagaTimedOut(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaTimedOut.WithLabelValues(sagaType).Inc()
}

// RecordCompensationFailed records one failed compensation step.
func (m *Manager) RecordCompensationFailed(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaCompensationsFailed.WithLabelValues(sagaType).Inc()
}

// IncActiveSagas increments the active saga gauge.
func (m *Manager) IncActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagasActive.Inc()
}

// DecActiveSagas decrements the active saga gauge.
func (m *Manager) DecActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagasActive.Dec()
}

// RecordSagaDuration records start-to-terminal saga latency.
func (m *Manager) RecordSagaDuration(sagaType string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaDuration.WithLabelValues(sagaType).Observe(duration.Seconds())
}

// RecordStepDuration records one step execution latency.
func (m *Manager) RecordStepDuration(sagaType, stepName string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaStepDuration.WithLabelValues(sagaType, stepName).Observe(duration.Seconds())
}
