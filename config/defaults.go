package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "eventra",
			Version:     "dev",
			Environment: "development",
			NodeID:      "node-1",
			Debug:       false,
		},
		Service: ServiceConfig{
			Name:   "eventra",
			Domain: "core",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				ExposedHeaders:   []string{"Link"},
				AllowCredentials: false,
				MaxAge:           300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Grid: GridConfig{
			Backend:    "memory",
			Partitions: 271,
			Redis: RedisConfig{
				Address:  "localhost:6379",
				Password: "",
				DB:       0,
				PoolSize: 10,
			},
		},
		Pipeline: PipelineConfig{
			Workers:           8,
			QueueSize:         1024,
			CompletionTimeout: 30 * time.Second,
			SweepInterval:     5 * time.Second,
			RetryCap:          3,
		},
		Sequence: SequenceConfig{
			BlockSize: 100,
		},
		EventStoreEviction: EvictionConfig{
			Enabled:        true,
			MaxSize:        10000,
			MaxSizePolicy:  "per_node",
			EvictionPolicy: "lru",
			MaxIdleSeconds: 0,
		},
		ViewStoreEviction: EvictionConfig{
			Enabled:        true,
			MaxSize:        10000,
			MaxSizePolicy:  "per_node",
			EvictionPolicy: "lru",
			MaxIdleSeconds: 3600,
		},
		Persistence: PersistenceConfig{
			Enabled:           false,
			Driver:            "sqlite",
			DSN:               "file:eventra.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			WriteDelaySeconds: 5,
			WriteBatchSize:    100,
			InitialLoadMode:   "EAGER",
			Retry: BackoffConfig{
				BaseDelay: 500 * time.Millisecond,
				MaxDelay:  30 * time.Second,
			},
		},
		Outbox: OutboxConfig{
			Enabled:              true,
			PollIntervalMs:       1000,
			MaxBatchSize:         50,
			MaxRetries:           5,
			StaleClaimMs:         30000,
			PublishRatePerSecond: 0,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		DLQ: DLQConfig{
			Enabled:           true,
			MaxReplayAttempts: 3,
			Store:             "memory",
			Badger: BadgerConfig{
				Path:       "./data/dlq",
				SyncWrites: true,
			},
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: BreakerConfig{
				FailureRateThreshold:    0.5,
				WaitDurationInOpenState: 10 * time.Second,
				SlidingWindowSize:       10,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				WaitDuration: 500 * time.Millisecond,
				Multiplier:   2.0,
			},
			Instances: map[string]InstanceConfig{},
		},
		Saga: SagaConfig{
			Timeout: SagaTimeoutConfig{
				Enabled:           true,
				CheckIntervalMs:   5000,
				DefaultDeadlineMs: 60000,
				AutoCompensate:    true,
				MaxBatchSize:      100,
			},
			SagaTypes: map[string]SagaTypeConfig{},
			Orchestrator: OrchestratorConfig{
				MaxConcurrent:         64,
				FailFastOnOpenCircuit: false,
			},
			Journal: JournalConfig{
				Enabled: false,
				Path:    "./data/saga-journal",
			},
		},
		Bus: BusConfig{
			Transport: "memory",
			Signing: SigningConfig{
				Enabled: false,
				Secret:  "",
			},
			NATS: NATSConfig{
				URL: "nats://localhost:4222",
			},
			Publish: PublishRetryConfig{
				MaxRetries:     3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				BackoffFactor:  2.0,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Headers:    map[string]string{},
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
