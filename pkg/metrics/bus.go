package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initBusMetrics(cfg Config) {
	m.topicPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topic_publish_duration_seconds",
			Help:    "Bus publish duration per topic in seconds",
			Buckets: cfg.PublishDurationBuckets,
		},
		[]string{"topic"},
	)

	m.busPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_total",
			Help: "Total bus publish attempts by status",
		},
		[]string{"status"},
	)

	m.busRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_publish_retries_total",
			Help: "Total number of bus publish retries",
		},
	)

	m.busSignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_signature_failures_total",
			Help: "Total number of envelopes whose signature did not verify",
		},
	)

	m.registry.MustRegister(m.topicPublishDuration)
	m.registry.MustRegister(m.busPublish)
	m.registry.MustRegister(m.busRetries)
	m.registry.MustRegister(m.busSignatureFailures)
}

// RecordTopicPublish records one publish latency for a topic.
func (m *Manager) RecordTopicPublish(topic string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.topicPublishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordBusPublish records one publish attempt outcome.
func (m *Manager) RecordBusPublish(status string) {
	if !m.enabled {
		return
	}
	m.busPublish.WithLabelValues(status).Inc()
}

// RecordBusRetry records one publish retry.
func (m *Manager) RecordBusRetry() {
	if !m.enabled {
		return
	}
	m.busRetries.Inc()
}

// RecordSignatureFailure records one envelope that failed verification.
func (m *Manager) RecordSignatureFailure() {
	if !m.enabled {
		return
	}
	m.busSignatureFailures.Inc()
}
