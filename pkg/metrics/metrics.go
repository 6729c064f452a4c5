// Package metrics provides Prometheus metrics instrumentation for Eventra.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for Eventra.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Pipeline metrics
	eventsSubmitted     *prometheus.CounterVec
	eventsProcessed     prometheus.Counter
	eventsFailed        *prometheus.CounterVec
	completionsOrphaned prometheus.Counter
	pendingEvents       prometheus.Gauge
	pendingCompletions  prometheus.Gauge
	stageDuration       *prometheus.HistogramVec
	endToEndLatency     prometheus.Histogram
	queueWaitLatency    prometheus.Histogram

	// Saga metrics
	sagaStarted             *prometheus.CounterVec
	sagaCompleted           *prometheus.CounterVec
	sagaCompensated         *prometheus.CounterVec
	sagaFailed              *prometheus.CounterVec
	sagaTimedOut            *prometheus.CounterVec
	sagaCompensationsFailed *prometheus.CounterVec
	sagasActive             prometheus.Gauge
	sagaDuration            *prometheus.HistogramVec
	sagaStepDuration        *prometheus.HistogramVec

	// Outbox and DLQ metrics
	outboxPublished prometheus.Counter
	outboxRetries   prometheus.Counter
	outboxDLQ       prometheus.Counter
	outboxPollEmpty prometheus.Counter
	outboxPending   prometheus.Gauge
	dlqEntries      prometheus.Gauge
	dlqReplays      *prometheus.CounterVec

	// Idempotency metrics
	idempotencyDuplicates *prometheus.CounterVec

	// Persistence metrics
	persistenceStores       prometheus.Counter
	persistenceStoreBatches prometheus.Counter
	persistenceLoads        prometheus.Counter
	persistenceLoadMisses   prometheus.Counter
	persistenceErrors       *prometheus.CounterVec
	storeBatchEntries       prometheus.Histogram
	storeBatchDuration      prometheus.Histogram
	storeDuration           prometheus.Histogram
	loadDuration            prometheus.Histogram
	writeBehindQueueDepth   *prometheus.GaugeVec

	// Grid metrics
	gridEvictions *prometheus.CounterVec
	gridEntries   *prometheus.GaugeVec

	// Resilience metrics
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec

	// Bus metrics
	topicPublishDuration *prometheus.HistogramVec
	busPublish           *prometheus.CounterVec
	busRetries           prometheus.Counter
	busSignatureFailures prometheus.Counter

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	StageDurationBuckets   []float64
	EndToEndBuckets        []float64
	PublishDurationBuckets []float64
	SagaDurationBuckets    []float64
	StepDurationBuckets    []float64
	StoreBatchBuckets      []float64
	StoreDurationBuckets   []float64
	HTTPDurationBuckets    []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Port:                   9091,
		Path:                   "/metrics",
		StageDurationBuckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		EndToEndBuckets:        []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		PublishDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		SagaDurationBuckets:    []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		StepDurationBuckets:    []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		StoreBatchBuckets:      []float64{1, 5, 10, 25, 50, 100, 250, 500},
		StoreDurationBuckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		HTTPDurationBuckets:    []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initPipelineMetrics(cfg)
	m.initSagaMetrics(cfg)
	m.initOutboxMetrics(cfg)
	m.initIdempotencyMetrics(cfg)
	m.initPersistenceMetrics(cfg)
	m.initGridMetrics(cfg)
	m.initResilienceMetrics(cfg)
	m.initBusMetrics(cfg)
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
