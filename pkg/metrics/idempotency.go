package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initIdempotencyMetrics(cfg Config) {
	m.idempotencyDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_duplicates_total",
			Help: "Total number of duplicate deliveries suppressed by the guard",
		},
		[]string{"scope"},
	)

	m.registry.MustRegister(m.idempotencyDuplicates)
}

// RecordDuplicate records one suppressed duplicate delivery.
func (m *Manager) RecordDuplicate(scope string) {
	if !m.enabled {
		return
	}
	m.idempotencyDuplicates.WithLabelValues(scope).Inc()
}
