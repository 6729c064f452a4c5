package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPipelineMetrics(cfg Config) {
	m.eventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_submitted_total",
			Help: "Total number of events submitted to the pipeline",
		},
		[]string{"event_type", "domain"},
	)

	m.eventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Total number of events that completed the pipeline",
		},
	)

	m.eventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_failed_total",
			Help: "Total number of events that failed, by pipeline stage",
		},
		[]string{"stage"},
	)

	m.completionsOrphaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "completions_orphaned_total",
			Help: "Total number of pending completions swept as orphaned",
		},
	)

	m.pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_events",
			Help: "Current number of events awaiting pipeline processing",
		},
	)

	m.pendingCompletions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_completions",
			Help: "Current number of events awaiting completion confirmation",
		},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: cfg.StageDurationBuckets,
		},
		[]string{"stage"},
	)

	m.endToEndLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_latency_end_to_end_seconds",
			Help:    "Latency from submission to completion in seconds",
			Buckets: cfg.EndToEndBuckets,
		},
	)

	m.queueWaitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_latency_queue_wait_seconds",
			Help:    "Time events spend queued before a worker picks them up",
			Buckets: cfg.StageDurationBuckets,
		},
	)

	m.registry.MustRegister(m.eventsSubmitted)
	m.registry.MustRegister(m.eventsProcessed)
	m.registry.MustRegister(m.eventsFailed)
	m.registry.MustRegister(m.completionsOrphaned)
	m.registry.MustRegister(m.pendingEvents)
	m.registry.MustRegister(m.pendingCompletions)
	m.registry.MustRegister(m.stageDuration)
	m.registry.MustRegister(m.endToEndLatency)
	m.registry.MustRegister(m.queueWaitLatency)
}

// RecordEventSubmitted records one event submission.
func (m *Manager) RecordEventSubmitted(eventType, domain string) {
	if !m.enabled {
		return
	}
	m.eventsSubmitted.WithLabelValues(eventType, domain).Inc()
}

// RecordEventProcessed records one fully processed event.
func (m *Manager) RecordEventProcessed() {
	if !m.enabled {
		return
	}
	m.eventsProcessed.Inc()
}

// RecordEventFailed records one event failure at the given stage.
func (m *Manager) RecordEventFailed(stage string) {
	if !m.enabled {
		return
	}
	m.eventsFailed.WithLabelValues(stage).Inc()
}

// RecordCompletionOrphaned records one orphaned pending completion.
func (m *Manager) RecordCompletionOrphaned() {
	if !m.enabled {
		return
	}
	m.completionsOrphaned.Inc()
}

// IncPendingEvents increments the pending events gauge.
func (m *Manager) IncPendingEvents() {
	if !m.enabled {
		return
	}
	m.pendingEvents.Inc()
}

// DecPendingEvents decrements the pending events gauge.
func (m *Manager) DecPendingEvents() {
	if !m.enabled {
		return
	}
	m.pendingEvents.Dec()
}

// IncPendingCompletions increments the pending completions gauge.
func (m *Manager) IncPendingCompletions() {
	if !m.enabled {
		return
	}
	m.pendingCompletions.Inc()
}

// DecPendingCompletions decrements the pending completions gauge.
func (m *Manager) DecPendingCompletions() {
	if !m.enabled {
		return
	}
	m.pendingCompletions.Dec()
}

// RecordStageDuration records one stage execution latency.
func (m *Manager) RecordStageDuration(stage string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordEndToEndLatency records submission-to-completion latency.
func (m *Manager) RecordEndToEndLatency(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.endToEndLatency.Observe(duration.Seconds())
}

// RecordQueueWait records time spent waiting in the intake queue.
func (m *Manager) RecordQueueWait(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.queueWaitLatency.Observe(duration.Seconds())
}
