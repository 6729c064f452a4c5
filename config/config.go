// Package config provides configuration management for Eventra.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for an Eventra service node.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Service identifies the domain service this node runs.
	Service ServiceConfig `mapstructure:"service" validate:"required"`

	// Server is the admin HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Grid is the distributed map configuration.
	Grid GridConfig `mapstructure:"grid"`

	// Pipeline is the event pipeline configuration.
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Sequence is the distributed sequence generator configuration.
	Sequence SequenceConfig `mapstructure:"sequence"`

	// EventStoreEviction bounds the event journal hot cache.
	EventStoreEviction EvictionConfig `mapstructure:"event_store_eviction"`

	// ViewStoreEviction bounds the materialized view hot cache.
	ViewStoreEviction EvictionConfig `mapstructure:"view_store_eviction"`

	// Persistence is the write-behind backing store configuration.
	Persistence PersistenceConfig `mapstructure:"persistence"`

	// Outbox is the transactional outbox configuration.
	Outbox OutboxConfig `mapstructure:"outbox"`

	// Idempotency is the duplicate-delivery guard configuration.
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`

	// DLQ is the dead letter queue configuration.
	DLQ DLQConfig `mapstructure:"dlq"`

	// Resilience is the retry/circuit-breaker configuration.
	Resilience ResilienceConfig `mapstructure:"resilience"`

	// Saga is the saga engine configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Bus is the event bus configuration.
	Bus BusConfig `mapstructure:"bus"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// NodeID uniquely identifies this node within the cluster.
	NodeID string `mapstructure:"node_id"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServiceConfig identifies the owning domain service.
type ServiceConfig struct {
	// Name is the service name (customer, inventory, order, payment, ...).
	Name string `mapstructure:"name" validate:"required"`

	// Domain tags metrics and subjects with the business domain.
	Domain string `mapstructure:"domain"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// GridConfig holds distributed map settings.
type GridConfig struct {
	// Backend selects the grid engine (memory, redis).
	Backend string `mapstructure:"backend" validate:"oneof=memory redis"`

	// Partitions is the partition count used for entity-key placement.
	Partitions int `mapstructure:"partitions" validate:"min=1"`

	// Redis is the Redis backend configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `mapstructure:"pool_size" validate:"min=0"`
}

// PipelineConfig holds event pipeline settings.
type PipelineConfig struct {
	// Workers is the number of partition-routed pipeline workers.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize is the per-worker intake queue capacity.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// CompletionTimeout is how long a pending completion waits before it
	// is swept as orphaned.
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`

	// SweepInterval is how often the pending sweeper runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// RetryCap is how many times the sweeper re-drives a failed entry
	// before routing it to the DLQ.
	RetryCap int `mapstructure:"retry_cap" validate:"min=0"`
}

// SequenceConfig holds distributed sequence generator settings.
type SequenceConfig struct {
	// BlockSize is the lease size taken from the distributed counter.
	BlockSize int64 `mapstructure:"block_size" validate:"min=1"`
}

// EvictionConfig bounds a hot-cache map.
type EvictionConfig struct {
	// Enabled enables LRU eviction for the map.
	Enabled bool `mapstructure:"enabled"`

	// MaxSize is the per-node entry cap.
	MaxSize int `mapstructure:"max_size" validate:"min=1"`

	// MaxSizePolicy names how MaxSize is interpreted.
	MaxSizePolicy string `mapstructure:"max_size_policy" validate:"oneof=per_node"`

	// EvictionPolicy names the eviction algorithm.
	EvictionPolicy string `mapstructure:"eviction_policy" validate:"oneof=lru"`

	// MaxIdleSeconds evicts entries untouched for this long (0 = never).
	MaxIdleSeconds int `mapstructure:"max_idle_seconds" validate:"min=0"`
}

// PersistenceConfig holds write-behind backing store settings.
type PersistenceConfig struct {
	// Enabled enables write-behind persistence and load-on-miss.
	Enabled bool `mapstructure:"enabled"`

	// Driver is the database/sql driver name.
	Driver string `mapstructure:"driver" validate:"oneof=sqlite"`

	// DSN is the database connection string.
	DSN string `mapstructure:"dsn"`

	// WriteDelaySeconds is the write-behind flush delay.
	WriteDelaySeconds int `mapstructure:"write_delay_seconds" validate:"min=1"`

	// WriteBatchSize is the maximum entries per flush batch.
	WriteBatchSize int `mapstructure:"write_batch_size" validate:"min=1"`

	// InitialLoadMode controls view-store warmup (LAZY, EAGER).
	InitialLoadMode string `mapstructure:"initial_load_mode" validate:"oneof=LAZY EAGER"`

	// Retry configures backoff for failed backing-store writes.
	Retry BackoffConfig `mapstructure:"retry"`
}

// BackoffConfig holds retry backoff bounds.
type BackoffConfig struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// OutboxConfig holds transactional outbox settings.
type OutboxConfig struct {
	// Enabled routes pipeline publishes through the outbox.
	Enabled bool `mapstructure:"enabled"`

	// PollIntervalMs is the relay poll interval in milliseconds.
	PollIntervalMs int `mapstructure:"poll_interval_ms" validate:"min=1"`

	// MaxBatchSize is the maximum PENDING entries claimed per poll.
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"min=1"`

	// MaxRetries is how many delivery attempts before DLQ routing.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`

	// StaleClaimMs re-queues IN_FLIGHT entries older than this.
	StaleClaimMs int `mapstructure:"stale_claim_ms" validate:"min=1"`

	// PublishRatePerSecond throttles relay publishes (0 = unlimited).
	PublishRatePerSecond float64 `mapstructure:"publish_rate_per_second" validate:"min=0"`
}

// IdempotencyConfig holds duplicate-delivery guard settings.
type IdempotencyConfig struct {
	// Enabled enables the guard.
	Enabled bool `mapstructure:"enabled"`

	// TTL is how long a processed event id is remembered.
	TTL time.Duration `mapstructure:"ttl"`
}

// DLQConfig holds dead letter queue settings.
type DLQConfig struct {
	// Enabled enables the DLQ.
	Enabled bool `mapstructure:"enabled"`

	// MaxReplayAttempts caps admin replays per entry.
	MaxReplayAttempts int `mapstructure:"max_replay_attempts" validate:"min=0"`

	// Store selects the DLQ backend (memory, badger).
	Store string `mapstructure:"store" validate:"oneof=memory badger"`

	// Badger configures the durable DLQ backend.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// ResilienceConfig holds retry and circuit breaker settings.
type ResilienceConfig struct {
	// CircuitBreaker is the default breaker configuration.
	CircuitBreaker BreakerConfig `mapstructure:"circuit_breaker"`

	// Retry is the default retry configuration.
	Retry RetryConfig `mapstructure:"retry"`

	// Instances holds per-instance overrides keyed by instance name.
	Instances map[string]InstanceConfig `mapstructure:"instances"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureRateThreshold trips the breaker when the failure rate over
	// the sliding window reaches this fraction.
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold" validate:"gt=0,lte=1"`

	// WaitDurationInOpenState is how long the breaker stays open before
	// admitting a half-open probe.
	WaitDurationInOpenState time.Duration `mapstructure:"wait_duration_in_open_state"`

	// SlidingWindowSize is the minimum observed calls before the rate
	// is evaluated.
	SlidingWindowSize int `mapstructure:"sliding_window_size" validate:"min=1"`
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget (first call included).
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// WaitDuration is the first backoff delay.
	WaitDuration time.Duration `mapstructure:"wait_duration"`

	// Multiplier grows the delay per attempt.
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=1"`
}

// InstanceConfig overrides resilience settings for one named instance.
type InstanceConfig struct {
	// CircuitBreaker overrides the default breaker settings when set.
	CircuitBreaker *BreakerConfig `mapstructure:"circuit_breaker"`

	// Retry overrides the default retry settings when set.
	Retry *RetryConfig `mapstructure:"retry"`
}

// SagaConfig holds saga engine settings.
type SagaConfig struct {
	// Timeout configures the saga timeout detector.
	Timeout SagaTimeoutConfig `mapstructure:"timeout"`

	// SagaTypes holds per-type overrides keyed by saga type.
	SagaTypes map[string]SagaTypeConfig `mapstructure:"saga_types"`

	// Orchestrator configures the central orchestrator.
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	// Journal configures the durable saga history journal.
	Journal JournalConfig `mapstructure:"journal"`
}

// SagaTimeoutConfig holds timeout detector settings.
type SagaTimeoutConfig struct {
	// Enabled enables the timeout detector sweeper.
	Enabled bool `mapstructure:"enabled"`

	// CheckIntervalMs is the sweep interval in milliseconds.
	CheckIntervalMs int `mapstructure:"check_interval_ms" validate:"min=1"`

	// DefaultDeadlineMs is the saga deadline when the definition sets none.
	DefaultDeadlineMs int `mapstructure:"default_deadline_ms" validate:"min=1"`

	// AutoCompensate launches compensation for sagas the detector times out.
	AutoCompensate bool `mapstructure:"auto_compensate"`

	// MaxBatchSize caps timed-out sagas handled per sweep.
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"min=1"`
}

// SagaTypeConfig overrides saga settings for one saga type.
type SagaTypeConfig struct {
	// DeadlineMs overrides the default saga deadline.
	DeadlineMs int `mapstructure:"deadline_ms" validate:"min=1"`
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	// MaxConcurrent bounds concurrently running sagas.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`

	// FailFastOnOpenCircuit fails a PENDING_RETRY step immediately
	// instead of waiting for the saga deadline.
	FailFastOnOpenCircuit bool `mapstructure:"fail_fast_on_open_circuit"`
}

// JournalConfig holds saga journal settings.
type JournalConfig struct {
	// Enabled enables the durable saga history journal.
	Enabled bool `mapstructure:"enabled"`

	// Path is the journal directory path.
	Path string `mapstructure:"path"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	// Transport selects the bus transport (memory, redis, nats).
	Transport string `mapstructure:"transport" validate:"oneof=memory redis nats"`

	// Signing configures envelope signing.
	Signing SigningConfig `mapstructure:"signing"`

	// NATS configures the NATS transport.
	NATS NATSConfig `mapstructure:"nats"`

	// Publish configures publisher retry behavior.
	Publish PublishRetryConfig `mapstructure:"publish"`
}

// SigningConfig holds envelope signing settings.
type SigningConfig struct {
	// Enabled signs outgoing envelopes and verifies incoming ones.
	Enabled bool `mapstructure:"enabled"`

	// Secret is the HMAC key shared by the services.
	Secret string `mapstructure:"secret"`
}

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `mapstructure:"url"`
}

// PublishRetryConfig holds bus publisher retry settings.
type PublishRetryConfig struct {
	// MaxRetries is the publish retry budget.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// BackoffFactor grows the delay per retry.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"gte=1"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter kind (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// PollInterval returns the outbox poll interval as a duration.
func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StaleClaimAge returns the stale-claim threshold as a duration.
func (c OutboxConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimMs) * time.Millisecond
}

// CheckInterval returns the detector sweep interval as a duration.
func (c SagaTimeoutConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// DefaultDeadline returns the default saga deadline as a duration.
func (c SagaTimeoutConfig) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineMs) * time.Millisecond
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Service: %s, Server: :%d, Grid: %s, Env: %s}",
		c.App.Name, c.Service.Name, c.Server.Port, c.Grid.Backend, c.App.Environment)
}
