package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initOutboxMetrics(cfg Config) {
	m.outboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox entries delivered to the bus",
		},
	)

	m.outboxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Total number of outbox delivery retries",
		},
	)

	m.outboxDLQ = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dlq_total",
			Help: "Total number of outbox entries routed to the DLQ",
		},
	)

	m.outboxPollEmpty = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_poll_empty_total",
			Help: "Total number of relay polls that found no pending entries",
		},
	)

	m.outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Current number of undelivered outbox entries",
		},
	)

	m.dlqEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_entries",
			Help: "Current number of entries parked in the DLQ",
		},
	)

	m.dlqReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replays_total",
			Help: "Total number of DLQ replay attempts by outcome",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.outboxPublished)
	m.registry.MustRegister(m.outboxRetries)
	m.registry.MustRegister(m.outboxDLQ)
	m.registry.MustRegister(m.outboxPollEmpty)
	m.registry.MustRegister(m.outboxPending)
	m.registry.MustRegister(m.dlqEntries)
	m.registry.MustRegister(m.dlqReplays)
}

// RecordOutboxPublished records one successful outbox delivery.
func (m *Manager) RecordOutboxPublished() {
	if !m.enabled {
		return
	}
	m.outboxPublished.Inc()
}

// RecordOutboxRetry records one outbox delivery retry.
func (m *Manager) RecordOutboxRetry() {
	if !m.enabled {
		return
	}
	m.outboxRetries.Inc()
}

// RecordOutboxDLQ records one entry routed to the DLQ after retry exhaustion.
func (m *Manager) RecordOutboxDLQ() {
	if !m.enabled {
		return
	}
	m.outboxDLQ.Inc()
}

// RecordOutboxPollEmpty records one empty relay poll.
func (m *Manager) RecordOutboxPollEmpty() {
	if !m.enabled {
		return
	}
	m.outboxPollEmpty.Inc()
}

// SetOutboxPending sets the undelivered outbox entry gauge.
func (m *Manager) SetOutboxPending(n float64) {
	if !m.enabled {
		return
	}
	m.outboxPending.Set(n)
}

// SetDLQEntries sets the DLQ entry gauge.
func (m *Manager) SetDLQEntries(n float64) {
	if !m.enabled {
		return
	}
	m.dlqEntries.Set(n)
}

// RecordDLQReplay records one admin replay attempt outcome.
func (m *Manager) RecordDLQReplay(status string) {
	if !m.enabled {
		return
	}
	m.dlqReplays.WithLabelValues(status).Inc()
}
