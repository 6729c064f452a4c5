package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventra/eventra/config"
	"github.com/eventra/eventra/pkg/api"
	apievents "github.com/eventra/eventra/pkg/api/events"
	"github.com/eventra/eventra/pkg/api/handlers"
	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/metrics"
	"github.com/eventra/eventra/pkg/persistence"
	"github.com/eventra/eventra/pkg/saga"
	"github.com/eventra/eventra/pkg/service"
	"github.com/eventra/eventra/pkg/telemetry/tracing"
	"github.com/eventra/eventra/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	serviceName = flag.String("service-name", "", "Override service name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("starting eventra",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"service", cfg.Service.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.Service.Name, version.Version)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error("error shutting down tracing", "error", err)
		}
	}()

	// Metrics
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	manager := metrics.NewManager(metricsCfg)
	if manager.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := manager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	// Grid engine
	var engine grid.Engine
	switch cfg.Grid.Backend {
	case "redis":
		engine = grid.NewRedisEngine(&grid.RedisEngineConfig{
			Address:  cfg.Grid.Redis.Address,
			Password: cfg.Grid.Redis.Password,
			DB:       cfg.Grid.Redis.DB,
			PoolSize: cfg.Grid.Redis.PoolSize,
		})
		log.Info("initialized redis grid", "address", cfg.Grid.Redis.Address)
	default:
		engine = grid.NewMemoryEngine()
		log.Info("initialized memory grid")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error("error closing grid engine", "error", err)
		}
	}()

	// Relational backing store for write-behind persistence.
	var db *persistence.DB
	if cfg.Persistence.Enabled {
		db, err = persistence.Open(cfg.Persistence.DSN)
		if err != nil {
			log.Error("failed to open backing store", "error", err, "dsn", cfg.Persistence.DSN)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Error("failed to migrate backing store", "error", err)
			os.Exit(1)
		}
		log.Info("backing store ready", "driver", cfg.Persistence.Driver)
	}

	// Event registry. Domain appliers register through the service
	// packages before events flow; the registry itself is shared.
	registry := event.NewRegistry()

	// Bus transport
	var transport bus.Transport
	switch cfg.Bus.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Grid.Redis.Address,
			Password: cfg.Grid.Redis.Password,
			DB:       cfg.Grid.Redis.DB,
		})
		transport = bus.NewRedisTransport(client, cfg.Service.Domain)
		log.Info("initialized redis bus transport", "address", cfg.Grid.Redis.Address)
	case "nats":
		transport, err = bus.NewNATSTransport(cfg.Bus.NATS.URL)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err, "url", cfg.Bus.NATS.URL)
			os.Exit(1)
		}
		log.Info("initialized NATS bus transport", "url", cfg.Bus.NATS.URL)
	default:
		transport = bus.NewMemoryTransport()
		log.Info("initialized memory bus transport")
	}

	busCfg := bus.Config{Service: cfg.Service.Name, Retry: bus.DefaultRetryConfig()}
	if cfg.Bus.Publish.MaxRetries > 0 {
		busCfg.Retry.MaxRetries = cfg.Bus.Publish.MaxRetries
	}
	if cfg.Bus.Signing.Enabled {
		busCfg.SigningKey = []byte(cfg.Bus.Signing.Secret)
	}
	eventBus, err := bus.New(transport, registry, busCfg)
	if err != nil {
		log.Error("failed to create bus", "error", err)
		os.Exit(1)
	}

	// Service runtime: pipeline, journal, views, outbox, idempotency,
	// DLQ, write-behind persistence.
	runtime, err := service.New(cfg, service.Deps{
		Engine:   engine,
		Bus:      eventBus,
		Registry: registry,
		DB:       db,
	}, service.WithMetrics(manager))
	if err != nil {
		log.Error("failed to build service runtime", "error", err)
		os.Exit(1)
	}
	if err := runtime.Start(ctx); err != nil {
		log.Error("failed to start service runtime", "error", err)
		os.Exit(1)
	}

	// Saga stack
	sagaMap, err := engine.Map("sagas")
	if err != nil {
		log.Error("failed to open saga map", "error", err)
		os.Exit(1)
	}
	sagaStore := saga.NewStateStore(sagaMap)

	broadcaster := apievents.NewBroadcaster()
	defer broadcaster.Close()

	orchOpts := []saga.OrchestratorOption{
		saga.WithHooks(broadcaster.Hooks()),
	}
	if guard := runtime.Guard(); guard != nil {
		orchOpts = append(orchOpts, saga.WithClaimGuard(guard))
	}
	var sagaJournal saga.Journal
	if cfg.Saga.Journal.Enabled {
		journal, err := saga.OpenBadgerJournal(cfg.Saga.Journal.Path, saga.JournalOptions{})
		if err != nil {
			log.Error("failed to open saga journal", "error", err, "path", cfg.Saga.Journal.Path)
			os.Exit(1)
		}
		defer journal.Close()
		sagaJournal = journal
		orchOpts = append(orchOpts, saga.WithJournal(journal))
	}

	orchestrator, err := saga.NewOrchestrator(cfg.Service.Name, sagaStore, saga.OrchestratorConfig{
		MaxConcurrent:         cfg.Saga.Orchestrator.MaxConcurrent,
		FailFastOnBreakerOpen: cfg.Saga.Orchestrator.FailFastOnOpenCircuit,
	}, orchOpts...)
	if err != nil {
		log.Error("failed to create saga orchestrator", "error", err)
		os.Exit(1)
	}
	orchestrator.SetMetrics(manager)

	var detector *saga.Detector
	if cfg.Saga.Timeout.Enabled {
		detectorCfg := saga.DefaultDetectorConfig()
		if cfg.Saga.Timeout.CheckIntervalMs > 0 {
			detectorCfg.CheckInterval = time.Duration(cfg.Saga.Timeout.CheckIntervalMs) * time.Millisecond
		}
		if cfg.Saga.Timeout.MaxBatchSize > 0 {
			detectorCfg.MaxBatch = cfg.Saga.Timeout.MaxBatchSize
		}
		detectorCfg.DisableAutoCompensate = !cfg.Saga.Timeout.AutoCompensate

		detector, err = saga.NewDetector(sagaStore, detectorCfg,
			saga.WithCompensator(orchestrator),
			saga.WithTimeoutPublisher(eventBus),
		)
		if err != nil {
			log.Error("failed to create saga timeout detector", "error", err)
			os.Exit(1)
		}
		detector.SetMetrics(manager)
		detector.Start()
		defer detector.Stop()
	}

	// HTTP API
	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	defer wsHandler.Close()

	// Saga lifecycle notifications feed the websocket stream.
	notifications := broadcaster.Subscribe(256)
	go func() {
		for ev := range notifications {
			_ = wsHandler.Broadcast(handlers.EventMessage{
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
				Payload:   ev.Payload,
			})
		}
	}()

	apiHandlers := &api.Handlers{
		Events:    handlers.NewEventHandler(runtime, log),
		Sagas:     handlers.NewSagaHandler(orchestrator, sagaStore, sagaJournal, log),
		DLQ:       handlers.NewDLQHandler(runtime.DeadLetters(), runtime.Replayer(), log),
		Health:    handlers.NewHealthHandler(runtime),
		WebSocket: wsHandler,
		Metrics:   manager,
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("eventra is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"grid", cfg.Grid.Backend,
		"bus", cfg.Bus.Transport,
	)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down HTTP server", "error", err)
	}

	log.Info("stopping service runtime")
	if err := runtime.Stop(shutdownCtx); err != nil {
		log.Error("error during runtime shutdown", "error", err)
	}

	log.Info("eventra stopped gracefully")
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *serviceName != "" {
		overrides["service.name"] = *serviceName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Eventra - Event Sourcing and Saga Runtime\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Eventra - per-service event sourcing pipeline with saga coordination\n\n")
	fmt.Printf("Usage: eventra [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  eventra                                   # Run with default config\n")
	fmt.Printf("  eventra -config config.yaml               # Use specific config file\n")
	fmt.Printf("  eventra -port 9090 -log-level debug       # Override specific options\n")
	fmt.Printf("  eventra -version                          # Print version info\n")
}
