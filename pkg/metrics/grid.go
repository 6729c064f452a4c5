package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initGridMetrics(cfg Config) {
	m.gridEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_evictions_total",
			Help: "Total number of entries evicted from a grid map",
		},
		[]string{"map_name"},
	)

	m.gridEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_map_entries",
			Help: "Current number of entries held in a grid map",
		},
		[]string{"map_name"},
	)

	m.registry.MustRegister(m.gridEvictions)
	m.registry.MustRegister(m.gridEntries)
}

// RecordEviction records one evicted grid map entry.
func (m *Manager) RecordEviction(mapName string) {
	if !m.enabled {
		return
	}
	m.gridEvictions.WithLabelValues(mapName).Inc()
}

// SetMapEntries sets the entry gauge for one grid map.
func (m *Manager) SetMapEntries(mapName string, n float64) {
	if !m.enabled {
		return
	}
	m.gridEntries.WithLabelValues(mapName).Set(n)
}
