package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initPersistenceMetrics(cfg Config) {
	m.persistenceStores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persistence_store_count_total",
			Help: "Total number of entries written to the backing store",
		},
	)

	m.persistenceStoreBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persistence_store_batch_count_total",
			Help: "Total number of write-behind batches flushed",
		},
	)

	m.persistenceLoads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persistence_load_count_total",
			Help: "Total number of backing store loads",
		},
	)

	m.persistenceLoadMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persistence_load_miss_total",
			Help: "Total number of backing store loads that found nothing",
		},
	)

	m.persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "Total number of backing store failures by operation",
		},
		[]string{"operation"},
	)

	m.storeBatchEntries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistence_store_batch_entries",
			Help:    "Entries per flushed write-behind batch",
			Buckets: cfg.StoreBatchBuckets,
		},
	)

	m.storeBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistence_store_batch_duration_seconds",
			Help:    "Write-behind batch flush duration in seconds",
			Buckets: cfg.StoreDurationBuckets,
		},
	)

	m.storeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistence_store_duration_seconds",
			Help:    "Single entry store duration in seconds",
			Buckets: cfg.StoreDurationBuckets,
		},
	)

	m.loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistence_load_duration_seconds",
			Help:    "Backing store load duration in seconds",
			Buckets: cfg.StoreDurationBuckets,
		},
	)

	m.writeBehindQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "write_behind_queue_depth",
			Help: "Current number of dirty entries queued for flush",
		},
		[]string{"map_name"},
	)

	m.registry.MustRegister(m.persistenceStores)
	m.registry.MustRegister(m.persistenceStoreBatches)
	m.registry.MustRegister(m.persistenceLoads)
	m.registry.MustRegister(m.persistenceLoadMisses)
	m.registry.MustRegister(m.persistenceErrors)
	m.registry.MustRegister(m.storeBatchEntries)
	m.registry.MustRegister(m.storeBatchDuration)
	m.registry.MustRegister(m.storeDuration)
	m.registry.MustRegister(m.loadDuration)
	m.registry.MustRegister(m.writeBehindQueueDepth)
}

// RecordStore records one single-entry store.
func (m *Manager) RecordStore(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.persistenceStores.Inc()
	m.storeDuration.Observe(duration.Seconds())
}

// RecordStoreBatch records one flushed write-behind batch.
func (m *Manager) RecordStoreBatch(entries int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.persistenceStoreBatches.Inc()
	m.persistenceStores.Add(float64(entries))
	m.storeBatchEntries.Observe(float64(entries))
	m.storeBatchDuration.Observe(duration.Seconds())
}

// RecordLoad records one backing store load.
func (m *Manager) RecordLoad(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.persistenceLoads.Inc()
	m.loadDuration.Observe(duration.Seconds())
}

// RecordLoadMiss records one backing store load that found nothing.
func (m *Manager) RecordLoadMiss() {
	if !m.enabled {
		return
	}
	m.persistenceLoadMisses.Inc()
}

// RecordPersistenceError records one backing store failure.
func (m *Manager) RecordPersistenceError(operation string) {
	if !m.enabled {
		return
	}
	m.persistenceErrors.WithLabelValues(operation).Inc()
}

// SetWriteBehindQueueDepth sets the dirty entry gauge for one map.
func (m *Manager) SetWriteBehindQueueDepth(mapName string, n float64) {
	if !m.enabled {
		return
	}
	m.writeBehindQueueDepth.WithLabelValues(mapName).Set(n)
}
