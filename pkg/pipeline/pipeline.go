// Package pipeline runs the staged event processor for one service.
// Entries enter through the pending-events map, are routed to a worker
// by entity-key partition so events for the same entity process in
// order, and move through the enrich, persist, update-view, publish
// and complete stages. Entries whose stage fails stay in the pending
// map and are redelivered by the sweeper until the delivery cap sends
// them to the dead letter sink.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/eventstore"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/view"
)

// Map name suffixes for the per-service pipeline maps.
const (
	PendingMapSuffix    = "_PENDING"
	CompletionMapSuffix = "_COMPLETIONS"
)

// Stage names, used in metrics labels and completion records.
const (
	StageSource     = "source"
	StageEnrich     = "enrich"
	StagePersist    = "persist"
	StageUpdateView = "update_view"
	StagePublish    = "publish"
	StageComplete   = "complete"
)

// Entry is one unit of pipeline work: an event with its assigned key.
type Entry struct {
	Key   event.PartitionedSequenceKey
	Event *event.Event
}

// Publisher receives events that cleared the persist and view stages.
// The outbox and the direct bus path both satisfy this.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// Enricher decorates events during the enrich stage, for example with
// envelope signing metadata.
type Enricher interface {
	Enrich(ctx context.Context, ev *event.Event) error
}

// DeadLetterSink receives entries that exhausted their deliveries.
type DeadLetterSink interface {
	Add(ctx context.Context, ev *event.Event, stage string, cause error) error
}

// CompletionFunc observes terminal completions after they are written
// to the completion map.
type CompletionFunc func(info event.CompletionInfo)

// MetricsRecorder defines the interface for recording pipeline metrics.
type MetricsRecorder interface {
	RecordStageDuration(stage string, duration time.Duration)
	RecordQueueWait(duration time.Duration)
	RecordEndToEndLatency(duration time.Duration)
	RecordEventProcessed()
	RecordEventFailed(stage string)
	DecPendingEvents()
}

// Config controls pipeline concurrency and redelivery.
type Config struct {
	// Workers is the number of stage workers. Entries are routed to a
	// worker by entity-key partition, so per-entity order holds at any
	// worker count.
	Workers int
	// QueueCapacity is the per-worker queue length.
	QueueCapacity int
	// SweepInterval is how often the pending map is scanned for
	// entries awaiting delivery or redelivery.
	SweepInterval time.Duration
	// MaxDeliveries is the number of processing attempts per entry
	// before it is routed to the dead letter sink.
	MaxDeliveries int
	// PartitionCount is the partition space for worker routing.
	PartitionCount int
	// CompletionTTL bounds how long unclaimed completion records stay
	// in the completion map.
	CompletionTTL time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueCapacity:  256,
		SweepInterval:  time.Second,
		MaxDeliveries:  3,
		PartitionCount: grid.DefaultPartitionCount,
		CompletionTTL:  5 * time.Minute,
	}
}

// Deps carries the collaborators an engine processes entries with.
type Deps struct {
	Pending     grid.Map
	Completions grid.Map
	Journal     *eventstore.Store
	Views       *view.Store
	Publisher   Publisher
	Enricher    Enricher
	DeadLetters DeadLetterSink
}

// Stats is a snapshot of engine progress.
type Stats struct {
	Processed    int64
	Failed       int64
	Redelivered  int64
	DeadLettered int64
	InFlight     int
}

// Engine is the staged worker for one service.
type Engine struct {
	service string
	cfg     Config
	deps    Deps
	log     logger.Logger
	metrics MetricsRecorder

	queues     []chan Entry
	onComplete CompletionFunc

	mu       sync.Mutex
	inFlight map[string]bool
	attempts map[string]int

	processed    atomic.Int64
	failed       atomic.Int64
	redelivered  atomic.Int64
	deadLettered atomic.Int64

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewEngine creates a pipeline engine for the named service.
func NewEngine(service string, cfg Config, deps Deps) (*Engine, error) {
	if service == "" {
		return nil, fmt.Errorf("pipeline: service name is required")
	}
	if deps.Pending == nil || deps.Completions == nil {
		return nil, fmt.Errorf("pipeline: pending and completion maps are required")
	}
	if deps.Journal == nil || deps.Views == nil {
		return nil, fmt.Errorf("pipeline: journal and view store are required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = def.PartitionCount
	}
	if cfg.CompletionTTL <= 0 {
		cfg.CompletionTTL = def.CompletionTTL
	}

	queues := make([]chan Entry, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Entry, cfg.QueueCapacity)
	}
	return &Engine{
		service:  service,
		cfg:      cfg,
		deps:     deps,
		log:      logger.Global().With("component", "pipeline", "service", service),
		metrics:  &nopMetrics{},
		queues:   queues,
		inFlight: make(map[string]bool),
		attempts: make(map[string]int),
		stopCh:   make(chan struct{}),
	}, nil
}

// SetMetrics sets the metrics recorder for the engine.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if m != nil {
		e.metrics = m
	}
}

// SetCompletionFunc registers the completion observer. Must be called
// before Start.
func (e *Engine) SetCompletionFunc(fn CompletionFunc) {
	e.onComplete = fn
}

// Start launches the workers and the pending sweeper.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.running.Store(true)
		for i := range e.queues {
			e.wg.Add(1)
			go e.worker(i)
		}
		e.wg.Add(1)
		go e.sweeper()
		e.log.Info("pipeline started", "workers", e.cfg.Workers, "sweep_interval", e.cfg.SweepInterval)
	})
}

// Stop halts processing. Entries still queued remain in the pending
// map and are picked up on the next start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopCh)
		e.wg.Wait()
		e.log.Info("pipeline stopped")
	})
}

// Notify offers an entry to its worker without waiting for the next
// sweep. The entry must already be in the pending map; Notify only
// shortcuts the pickup latency. Returns false when the entry could not
// be queued, the sweeper delivers it later either way.
func (e *Engine) Notify(entry Entry) bool {
	if !e.running.Load() || entry.Event == nil {
		return false
	}
	return e.enqueue(entry)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inFlight := len(e.inFlight)
	e.mu.Unlock()
	return Stats{
		Processed:    e.processed.Load(),
		Failed:       e.failed.Load(),
		Redelivered:  e.redelivered.Load(),
		DeadLettered: e.deadLettered.Load(),
		InFlight:     inFlight,
	}
}

func (e *Engine) workerFor(entityKey string) int {
	return grid.PartitionFor(entityKey, e.cfg.PartitionCount) % e.cfg.Workers
}

// enqueue routes the entry to its worker. The in-flight mark is taken
// first so the sweeper never queues the same journal key twice. A full
// queue drops the entry rather than blocking; if a later sequence for
// the same entity then slips in via Notify, the worker's oldest-pending
// check defers it and the sweeper's ascending scan redelivers both in
// order. The sweeper is the ordering backstop, Notify is only a latency
// hint.
func (e *Engine) enqueue(entry Entry) bool {
	jk := entry.Key.JournalKey()

	e.mu.Lock()
	if e.inFlight[jk] {
		e.mu.Unlock()
		return false
	}
	e.inFlight[jk] = true
	e.mu.Unlock()

	select {
	case e.queues[e.workerFor(entry.Key.EntityKey)] <- entry:
		return true
	default:
		e.mu.Lock()
		delete(e.inFlight, jk)
		e.mu.Unlock()
		return false
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case entry := <-e.queues[id]:
			e.process(entry)
		case <-e.stopCh:
			return
		}
	}
}

// sweeper periodically scans the pending map and queues everything not
// already in flight. The scan is keyed in ascending journal order, so
// redeliveries for an entity arrive oldest first.
func (e *Engine) sweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweep() {
	ctx := context.Background()
	err := e.deps.Pending.Scan(ctx, "", func(key string, value []byte) bool {
		psk, err := event.ParseJournalKey(key)
		if err != nil {
			e.log.Error("pending entry with malformed key", "key", key, "error", err)
			return true
		}
		ev, err := event.Unmarshal(value)
		if err != nil {
			e.log.Error("pending entry undecodable", "key", key, "error", err)
			return true
		}
		e.enqueue(Entry{Key: psk, Event: ev})
		return true
	})
	if err != nil {
		e.log.Error("pending sweep failed", "error", err)
	}
}

// process runs one entry through the stages. On stage failure the
// entry stays pending for redelivery; once attempts reach the cap it
// is dead lettered and completed as failed.
func (e *Engine) process(entry Entry) {
	ctx := context.Background()
	jk := entry.Key.JournalKey()
	ev := entry.Event

	// The pending map is the source of truth: an entry that completed
	// while a sweep was in flight has no pending record anymore, and an
	// entry delivered ahead of an older pending one for its entity (a
	// dropped Notify leaves the older entry behind) must wait for the
	// sweeper's ascending redelivery. Both show up as jk not being the
	// oldest pending key under the entity prefix.
	oldest := ""
	scanErr := e.deps.Pending.Scan(ctx, event.JournalPrefix(entry.Key.EntityKey), func(key string, _ []byte) bool {
		oldest = key
		return false
	})
	if scanErr == nil && oldest != jk {
		e.mu.Lock()
		delete(e.inFlight, jk)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.attempts[jk]++
	attempt := e.attempts[jk]
	e.mu.Unlock()
	if attempt > 1 {
		e.redelivered.Add(1)
	}

	stage, err := e.runStages(ctx, entry)
	if err == nil {
		e.complete(ctx, entry, event.CompletionInfo{
			EventID:     ev.EventID,
			Key:         entry.Key,
			Outcome:     event.OutcomeProcessed,
			SubmittedAt: ev.SubmittedAt,
			CompletedAt: time.Now().UTC(),
		})
		e.processed.Add(1)
		e.metrics.RecordEventProcessed()
		if !ev.SubmittedAt.IsZero() {
			e.metrics.RecordEndToEndLatency(time.Since(ev.SubmittedAt))
		}
		return
	}

	e.failed.Add(1)
	e.metrics.RecordEventFailed(stage)
	e.log.Error("pipeline stage failed",
		"stage", stage, "key", jk, "event_type", ev.EventType, "attempt", attempt, "error", err)

	if attempt < e.cfg.MaxDeliveries {
		// Leave the pending entry for the sweeper.
		e.mu.Lock()
		delete(e.inFlight, jk)
		e.mu.Unlock()
		return
	}

	if e.deps.DeadLetters != nil {
		if dlqErr := e.deps.DeadLetters.Add(ctx, ev, stage, err); dlqErr != nil {
			e.log.Error("dead letter hand-off failed", "key", jk, "error", dlqErr)
		}
	}
	e.deadLettered.Add(1)
	e.complete(ctx, entry, event.CompletionInfo{
		EventID:     ev.EventID,
		Key:         entry.Key,
		Outcome:     event.OutcomePipelineFailed,
		Stage:       stage,
		Error:       err.Error(),
		SubmittedAt: ev.SubmittedAt,
		CompletedAt: time.Now().UTC(),
	})
}

// runStages returns the name of the failing stage with its error.
func (e *Engine) runStages(ctx context.Context, entry Entry) (string, error) {
	ev := entry.Event

	// Source: mark pipeline entry and account queue wait.
	start := time.Now()
	ev.PipelineEntryTime = start.UTC()
	if !ev.SubmittedAt.IsZero() {
		e.metrics.RecordQueueWait(start.Sub(ev.SubmittedAt))
	}
	e.metrics.RecordStageDuration(StageSource, time.Since(start))

	start = time.Now()
	if e.deps.Enricher != nil {
		if err := e.deps.Enricher.Enrich(ctx, ev); err != nil {
			return StageEnrich, err
		}
	}
	e.metrics.RecordStageDuration(StageEnrich, time.Since(start))

	start = time.Now()
	if err := e.deps.Journal.Append(ctx, entry.Key, ev); err != nil {
		return StagePersist, err
	}
	e.metrics.RecordStageDuration(StagePersist, time.Since(start))

	start = time.Now()
	if err := e.deps.Views.Update(ctx, entry.Key.EntityKey, ev); err != nil {
		return StageUpdateView, err
	}
	e.metrics.RecordStageDuration(StageUpdateView, time.Since(start))

	start = time.Now()
	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.Publish(ctx, ev); err != nil {
			return StagePublish, err
		}
	}
	e.metrics.RecordStageDuration(StagePublish, time.Since(start))

	return "", nil
}

// complete writes the completion record, clears the pending entry and
// releases the in-flight mark.
func (e *Engine) complete(ctx context.Context, entry Entry, info event.CompletionInfo) {
	start := time.Now()
	jk := entry.Key.JournalKey()

	data, err := info.Marshal()
	if err != nil {
		e.log.Error("completion encode failed", "key", jk, "error", err)
	} else {
		// Replayed entries already carry a completion, keep the first.
		if _, err := e.deps.Completions.PutIfAbsent(ctx, jk, data, e.cfg.CompletionTTL); err != nil {
			e.log.Error("completion write failed", "key", jk, "error", err)
		}
	}

	if err := e.deps.Pending.Delete(ctx, jk); err != nil {
		e.log.Error("pending delete failed", "key", jk, "error", err)
	} else {
		e.metrics.DecPendingEvents()
	}

	e.mu.Lock()
	delete(e.inFlight, jk)
	delete(e.attempts, jk)
	e.mu.Unlock()

	e.metrics.RecordStageDuration(StageComplete, time.Since(start))
	if e.onComplete != nil {
		e.onComplete(info)
	}
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordStageDuration(stage string, duration time.Duration) {}
func (n *nopMetrics) RecordQueueWait(duration time.Duration)                   {}
func (n *nopMetrics) RecordEndToEndLatency(duration time.Duration)             {}
func (n *nopMetrics) RecordEventProcessed()                                    {}
func (n *nopMetrics) RecordEventFailed(stage string)                           {}
func (n *nopMetrics) DecPendingEvents()                                        {}
