// Package service assembles the event-sourcing runtime for one domain
// service. A Runtime owns the service's grid maps (journal, views,
// pending, completions, outbox, idempotency claims), the sequence
// generator, the pipeline engine, the outbox relay and the dead letter
// queue, wired from the node configuration. Components are constructed
// here and nowhere else; packages below this one never reach for each
// other directly.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventra/eventra/config"
	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/dlq"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/eventstore"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/idempotency"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/metrics"
	"github.com/eventra/eventra/pkg/outbox"
	"github.com/eventra/eventra/pkg/persistence"
	"github.com/eventra/eventra/pkg/pipeline"
	"github.com/eventra/eventra/pkg/sequence"
	"github.com/eventra/eventra/pkg/sourcing"
	"github.com/eventra/eventra/pkg/view"
)

// SequenceCounterSuffix names a service's sequence counter.
const SequenceCounterSuffix = "_SEQ"

// Deps carries the shared infrastructure a runtime is built over. The
// grid engine, bus and relational database outlive individual services
// and are owned by the caller.
type Deps struct {
	// Engine supplies the service's maps and counters.
	Engine grid.Engine

	// Bus is the shared event bus. Required.
	Bus *bus.Bus

	// Registry maps event types to payload contracts and view appliers.
	// Required.
	Registry *event.Registry

	// DB is the relational backing store. Required when persistence is
	// enabled in the configuration, ignored otherwise.
	DB *persistence.DB
}

// Runtime is the assembled event-sourcing stack for one service.
type Runtime struct {
	name string
	cfg  *config.Config
	log  logger.Logger

	registry *event.Registry
	bus      *bus.Bus

	sequence    *sequence.Generator
	journal     *eventstore.Store
	views       *view.Store
	outboxStore *outbox.Store
	relay       *outbox.Relay
	guard       *idempotency.Guard
	deadLetters dlq.Store
	replayer    *dlq.Replayer
	pipeline    *pipeline.Engine
	controller  *sourcing.Controller

	// Write-behind wrappers, nil when persistence is disabled.
	storedJournal *grid.StoredMap
	storedViews   *grid.StoredMap

	manager  *metrics.Manager
	ownedDLQ *dlq.BadgerStore

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds the runtime for the service named in cfg.Service.Name.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: config is required")
	}
	name := cfg.Service.Name
	if name == "" {
		return nil, fmt.Errorf("service: service name is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("service: grid engine is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("service: bus is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("service: event registry is required")
	}

	r := &Runtime{
		name:     name,
		cfg:      cfg,
		log:      logger.Global().With("component", "service", "service", name),
		registry: deps.Registry,
		bus:      deps.Bus,
	}
	for _, opt := range opts {
		opt(r)
	}

	journalMap, viewMap, err := r.buildStorage(deps)
	if err != nil {
		return nil, err
	}

	counter, err := deps.Engine.Counter(name + SequenceCounterSuffix)
	if err != nil {
		return nil, fmt.Errorf("service: sequence counter: %w", err)
	}
	r.sequence = sequence.NewGenerator(counter, sequence.Config{
		BlockSize: uint64(cfg.Sequence.BlockSize),
	})

	r.journal = eventstore.NewStore(journalMap)
	r.views = view.NewStore(viewMap, deps.Registry, r.journal)

	if err := r.buildDLQ(); err != nil {
		return nil, err
	}
	if err := r.buildGuard(deps); err != nil {
		return nil, err
	}

	publisher, err := r.buildOutbox(deps)
	if err != nil {
		return nil, err
	}

	if err := r.buildPipeline(deps, journalMap.Name(), publisher); err != nil {
		return nil, err
	}
	if err := r.buildController(deps); err != nil {
		return nil, err
	}
	if err := r.buildReplayer(deps); err != nil {
		return nil, err
	}

	return r, nil
}

// buildStorage returns the journal and view maps, wrapped with
// write-behind persistence when enabled. Events never coalesce and load
// lazily; views keep only the latest state and warm per the configured
// load mode.
func (r *Runtime) buildStorage(deps Deps) (grid.Map, grid.Map, error) {
	hotJournal, err := deps.Engine.Map(r.name + eventstore.MapSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("service: journal map: %w", err)
	}
	hotViews, err := deps.Engine.Map(r.name + view.MapSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("service: view map: %w", err)
	}
	if !r.cfg.Persistence.Enabled {
		return hotJournal, hotViews, nil
	}
	if deps.DB == nil {
		return nil, nil, fmt.Errorf("service: persistence enabled but no database provided")
	}

	eventBacking, err := persistence.NewEventStore(deps.DB, r.name)
	if err != nil {
		return nil, nil, fmt.Errorf("service: event backing store: %w", err)
	}
	mapBacking, err := persistence.NewMapStore(deps.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("service: map backing store: %w", err)
	}

	p := r.cfg.Persistence
	journalCfg := &grid.StoredConfig{
		WriteDelay:     time.Duration(p.WriteDelaySeconds) * time.Second,
		BatchSize:      p.WriteBatchSize,
		Coalesce:       false,
		InitialLoad:    grid.LoadModeLazy,
		RetryBaseDelay: p.Retry.BaseDelay,
		RetryMaxDelay:  p.Retry.MaxDelay,
		Eviction:       evictionSettings(r.cfg.EventStoreEviction),
	}
	viewCfg := &grid.StoredConfig{
		WriteDelay:     time.Duration(p.WriteDelaySeconds) * time.Second,
		BatchSize:      p.WriteBatchSize,
		Coalesce:       true,
		InitialLoad:    grid.LoadMode(p.InitialLoadMode),
		RetryBaseDelay: p.Retry.BaseDelay,
		RetryMaxDelay:  p.Retry.MaxDelay,
		Eviction:       evictionSettings(r.cfg.ViewStoreEviction),
	}

	r.storedJournal = grid.NewStoredMap(hotJournal, eventBacking, journalCfg)
	r.storedViews = grid.NewStoredMap(hotViews, mapBacking, viewCfg)
	if r.manager != nil {
		r.storedJournal.SetMetrics(r.manager)
		r.storedViews.SetMetrics(r.manager)
	}
	return r.storedJournal, r.storedViews, nil
}

func evictionSettings(cfg config.EvictionConfig) grid.EvictionSettings {
	return grid.EvictionSettings{
		Enabled: cfg.Enabled,
		MaxSize: cfg.MaxSize,
		MaxIdle: time.Duration(cfg.MaxIdleSeconds) * time.Second,
	}
}

func (r *Runtime) buildDLQ() error {
	if !r.cfg.DLQ.Enabled {
		return nil
	}
	if r.deadLetters != nil {
		return nil // injected via WithDLQStore
	}
	switch r.cfg.DLQ.Store {
	case "badger":
		store, err := dlq.OpenBadgerStore(r.cfg.DLQ.Badger.Path)
		if err != nil {
			return fmt.Errorf("service: dlq store: %w", err)
		}
		r.ownedDLQ = store
		r.deadLetters = store
	default:
		r.deadLetters = dlq.NewMemoryStore()
	}
	return nil
}

func (r *Runtime) buildGuard(deps Deps) error {
	if !r.cfg.Idempotency.Enabled {
		return nil
	}
	claims, err := deps.Engine.Map(r.name + idempotency.MapSuffix)
	if err != nil {
		return fmt.Errorf("service: idempotency map: %w", err)
	}
	guard, err := idempotency.NewGuard(claims, idempotency.Config{
		TTL:   r.cfg.Idempotency.TTL,
		Scope: "listener",
	})
	if err != nil {
		return err
	}
	if r.manager != nil {
		guard.SetMetrics(r.manager)
	}
	r.guard = guard
	return nil
}

// buildOutbox returns the pipeline's publish target: the outbox store
// when the outbox is enabled, the bus directly otherwise.
func (r *Runtime) buildOutbox(deps Deps) (pipeline.Publisher, error) {
	if !r.cfg.Outbox.Enabled {
		return r.bus, nil
	}
	m, err := deps.Engine.Map(r.name + outbox.MapSuffix)
	if err != nil {
		return nil, fmt.Errorf("service: outbox map: %w", err)
	}
	r.outboxStore = outbox.NewStore(m)

	var sink outbox.DeadLetterSink
	if r.deadLetters != nil {
		s, err := dlq.NewOutboxSink(r.deadLetters, r.name)
		if err != nil {
			return nil, err
		}
		if r.manager != nil {
			s.SetMetrics(r.manager)
		}
		sink = s
	}

	ob := r.cfg.Outbox
	relay, err := outbox.NewRelay(r.name, outbox.Config{
		PollInterval:    ob.PollInterval(),
		MaxBatch:        ob.MaxBatchSize,
		MaxRetries:      ob.MaxRetries,
		StaleClaimAfter: ob.StaleClaimAge(),
		PublishRate:     ob.PublishRatePerSecond,
	}, r.outboxStore, r.bus, sink)
	if err != nil {
		return nil, err
	}
	if r.manager != nil {
		relay.SetMetrics(r.manager)
	}
	r.relay = relay
	return r.outboxStore, nil
}

func (r *Runtime) buildPipeline(deps Deps, journalMapName string, publisher pipeline.Publisher) error {
	pending, err := deps.Engine.Map(r.name + pipeline.PendingMapSuffix)
	if err != nil {
		return fmt.Errorf("service: pending map: %w", err)
	}
	completions, err := deps.Engine.Map(r.name + pipeline.CompletionMapSuffix)
	if err != nil {
		return fmt.Errorf("service: completion map: %w", err)
	}

	var sink pipeline.DeadLetterSink
	if r.deadLetters != nil {
		s, err := dlq.NewPipelineSink(r.deadLetters, r.name)
		if err != nil {
			return err
		}
		if r.manager != nil {
			s.SetMetrics(r.manager)
		}
		sink = s
	}

	pc := r.cfg.Pipeline
	eng, err := pipeline.NewEngine(r.name, pipeline.Config{
		Workers:        pc.Workers,
		QueueCapacity:  pc.QueueSize,
		SweepInterval:  pc.SweepInterval,
		MaxDeliveries:  pc.RetryCap,
		PartitionCount: r.cfg.Grid.Partitions,
	}, pipeline.Deps{
		Pending:     pending,
		Completions: completions,
		Journal:     r.journal,
		Views:       r.views,
		Publisher:   publisher,
		DeadLetters: sink,
	})
	if err != nil {
		return err
	}
	if r.manager != nil {
		eng.SetMetrics(r.manager)
	}
	r.pipeline = eng
	return nil
}

func (r *Runtime) buildController(deps Deps) error {
	pending, err := deps.Engine.Map(r.name + pipeline.PendingMapSuffix)
	if err != nil {
		return fmt.Errorf("service: pending map: %w", err)
	}
	ctrl, err := sourcing.NewController(r.name, sourcing.Config{
		Domain:            r.cfg.Service.Domain,
		CompletionTimeout: r.cfg.Pipeline.CompletionTimeout,
		SweepInterval:     r.cfg.Pipeline.SweepInterval,
	}, sourcing.Deps{
		Sequence: r.sequence,
		Pending:  pending,
		Engine:   r.pipeline,
	})
	if err != nil {
		return err
	}
	if r.manager != nil {
		ctrl.SetMetrics(r.manager)
	}
	r.pipeline.SetCompletionFunc(ctrl.Resolve)
	r.controller = ctrl
	return nil
}

func (r *Runtime) buildReplayer(deps Deps) error {
	if r.deadLetters == nil {
		return nil
	}
	var releaser dlq.ClaimReleaser
	if r.guard != nil {
		releaser = r.guard
	}
	rep, err := dlq.NewReplayer(r.deadLetters, r.bus, releaser, r.cfg.DLQ.MaxReplayAttempts)
	if err != nil {
		return err
	}
	if r.manager != nil {
		rep.SetMetrics(r.manager)
	}
	r.replayer = rep
	return nil
}

// Start brings the runtime up: backing stores first so lazy loads work
// from the first pipeline entry, then the pipeline, the controller
// sweeper and the outbox relay.
func (r *Runtime) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if r.storedJournal != nil {
			if err := r.storedJournal.Start(ctx); err != nil {
				startErr = fmt.Errorf("service: start journal persistence: %w", err)
				return
			}
		}
		if r.storedViews != nil {
			if err := r.storedViews.Start(ctx); err != nil {
				startErr = fmt.Errorf("service: start view persistence: %w", err)
				return
			}
		}
		r.pipeline.Start()
		r.controller.Start()
		if r.relay != nil {
			r.relay.Start()
		}
		r.started.Store(true)
		r.log.Info("service runtime started",
			"outbox", r.relay != nil,
			"persistence", r.storedJournal != nil,
			"dlq", r.deadLetters != nil,
		)
	})
	return startErr
}

// Stop tears the runtime down in reverse order. Stored maps flush
// their write-behind queues before the database handle is released.
func (r *Runtime) Stop(ctx context.Context) error {
	var stopErr error
	r.stopOnce.Do(func() {
		r.started.Store(false)
		if r.relay != nil {
			r.relay.Stop()
		}
		r.controller.Stop()
		r.pipeline.Stop()
		if r.storedViews != nil {
			if err := r.storedViews.Stop(ctx); err != nil && stopErr == nil {
				stopErr = err
			}
		}
		if r.storedJournal != nil {
			if err := r.storedJournal.Stop(ctx); err != nil && stopErr == nil {
				stopErr = err
			}
		}
		if r.ownedDLQ != nil {
			if err := r.ownedDLQ.Close(); err != nil && stopErr == nil {
				stopErr = err
			}
		}
		r.log.Info("service runtime stopped")
	})
	return stopErr
}

// Healthy reports whether the runtime is between Start and Stop.
func (r *Runtime) Healthy() bool { return r.started.Load() }

// Ready reports whether the runtime accepts event submissions.
func (r *Runtime) Ready() bool { return r.started.Load() }

// Status returns an operational snapshot for the status endpoint.
func (r *Runtime) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"service":             r.name,
		"domain":              r.cfg.Service.Domain,
		"healthy":             r.started.Load(),
		"outbox_enabled":      r.relay != nil,
		"persistence_enabled": r.storedJournal != nil,
		"pending_completions": r.controller.PendingCompletions(),
	}
	if count, err := r.journal.Count(ctx); err == nil {
		status["journal_events"] = count
	}
	if r.deadLetters != nil {
		if count, err := r.deadLetters.Count(ctx); err == nil {
			status["dlq_entries"] = count
		}
	}
	return status
}

// HandleEvent submits an event through the controller.
func (r *Runtime) HandleEvent(ctx context.Context, ev *event.Event, correlationID string, meta *event.SagaMetadata) (*sourcing.Future, error) {
	return r.controller.HandleEvent(ctx, ev, correlationID, meta)
}

// Name returns the service name.
func (r *Runtime) Name() string { return r.name }

// Controller returns the event sourcing controller.
func (r *Runtime) Controller() *sourcing.Controller { return r.controller }

// Journal returns the append-only event store.
func (r *Runtime) Journal() *eventstore.Store { return r.journal }

// Views returns the materialized view store.
func (r *Runtime) Views() *view.Store { return r.views }

// Outbox returns the outbox store, nil when the outbox is disabled.
func (r *Runtime) Outbox() *outbox.Store { return r.outboxStore }

// Relay returns the outbox relay, nil when the outbox is disabled.
func (r *Runtime) Relay() *outbox.Relay { return r.relay }

// Guard returns the idempotency guard, nil when disabled.
func (r *Runtime) Guard() *idempotency.Guard { return r.guard }

// DeadLetters returns the DLQ store, nil when disabled.
func (r *Runtime) DeadLetters() dlq.Store { return r.deadLetters }

// Replayer returns the DLQ replayer, nil when the DLQ is disabled.
func (r *Runtime) Replayer() *dlq.Replayer { return r.replayer }

// Pipeline returns the staged pipeline engine.
func (r *Runtime) Pipeline() *pipeline.Engine { return r.pipeline }

// Bus returns the shared event bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Registry returns the event type registry.
func (r *Runtime) Registry() *event.Registry { return r.registry }
