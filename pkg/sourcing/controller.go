// Package sourcing provides the event sourcing controller, the public
// entry point events take into a service. HandleEvent stamps identity
// and saga metadata, assigns the distributed sequence, registers a
// completion future and writes the pending-events entry that triggers
// the pipeline. A sweeper orphans futures whose completion never
// arrives.
package sourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/pipeline"
	"github.com/eventra/eventra/pkg/sequence"
)

// SubmissionError reports that an event never entered the pipeline.
type SubmissionError struct {
	EventID   string
	EventType string
	Cause     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("sourcing: submission of %s event %s failed: %v", e.EventType, e.EventID, e.Cause)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

// MetricsRecorder defines the interface for recording controller metrics.
type MetricsRecorder interface {
	RecordEventSubmitted(eventType, domain string)
	RecordCompletionOrphaned()
	IncPendingEvents()
	IncPendingCompletions()
	DecPendingCompletions()
}

// Config controls submission and completion tracking.
type Config struct {
	// Domain tags the submission counter, defaults to the service name.
	Domain string
	// CompletionTimeout is how long a future waits for its completion
	// before the sweeper orphans it.
	CompletionTimeout time.Duration
	// SweepInterval is how often tracked futures are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		CompletionTimeout: 30 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

// Deps carries the controller's collaborators.
type Deps struct {
	Sequence *sequence.Generator
	Pending  grid.Map
	// Engine, when set, receives a low-latency pickup hint after every
	// pending write.
	Engine *pipeline.Engine
}

type tracked struct {
	future      *Future
	eventID     string
	key         event.PartitionedSequenceKey
	submittedAt time.Time
}

// Controller accepts domain events for one service.
type Controller struct {
	service string
	cfg     Config
	deps    Deps
	log     logger.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	futures map[string]*tracked

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewController creates a controller for the named service.
func NewController(service string, cfg Config, deps Deps) (*Controller, error) {
	if service == "" {
		return nil, fmt.Errorf("sourcing: service name is required")
	}
	if deps.Sequence == nil {
		return nil, fmt.Errorf("sourcing: sequence generator is required")
	}
	if deps.Pending == nil {
		return nil, fmt.Errorf("sourcing: pending map is required")
	}
	def := DefaultConfig()
	if cfg.Domain == "" {
		cfg.Domain = service
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Controller{
		service: service,
		cfg:     cfg,
		deps:    deps,
		log:     logger.Global().With("component", "sourcing", "service", service),
		metrics: &nopMetrics{},
		futures: make(map[string]*tracked),
		stopCh:  make(chan struct{}),
	}, nil
}

// SetMetrics sets the metrics recorder for the controller.
func (c *Controller) SetMetrics(m MetricsRecorder) {
	if m != nil {
		c.metrics = m
	}
}

// Start launches the orphan sweeper.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.sweeper()
	})
}

// Stop halts the sweeper. Outstanding futures stay unresolved.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

// HandleEvent submits one event. It stamps submission metadata,
// assigns the sequence, registers the returned future and writes the
// pending-events entry. A SubmissionError means nothing was staged and
// the caller may retry.
func (c *Controller) HandleEvent(ctx context.Context, ev *event.Event, correlationID string, meta *event.SagaMetadata) (*Future, error) {
	if ev == nil {
		return nil, &SubmissionError{Cause: fmt.Errorf("nil event")}
	}
	if ev.EventType == "" || ev.EntityKey == "" {
		return nil, &SubmissionError{EventID: ev.EventID, EventType: ev.EventType,
			Cause: fmt.Errorf("event type and entity key are required")}
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EventVersion == 0 {
		ev.EventVersion = 1
	}

	ev.SubmittedAt = time.Now().UTC()
	ev.Source = c.service
	if correlationID == "" {
		correlationID = CorrelationIDFrom(ctx)
	}
	if correlationID != "" {
		ev.CorrelationID = correlationID
	}
	if meta != nil {
		ev.SagaID = meta.SagaID
		ev.SagaType = meta.SagaType
		ev.StepNumber = meta.StepNumber
		ev.IsCompensating = meta.IsCompensating
	}

	seq, err := c.deps.Sequence.Next(ctx)
	if err != nil {
		return nil, &SubmissionError{EventID: ev.EventID, EventType: ev.EventType, Cause: err}
	}
	key := event.NewKey(seq, ev.EntityKey)

	data, err := event.Marshal(ev)
	if err != nil {
		return nil, &SubmissionError{EventID: ev.EventID, EventType: ev.EventType, Cause: err}
	}

	future := c.track(key, ev)

	if err := c.deps.Pending.Put(ctx, key.JournalKey(), data); err != nil {
		c.untrack(key.JournalKey())
		return nil, &SubmissionError{EventID: ev.EventID, EventType: ev.EventType, Cause: err}
	}
	c.metrics.IncPendingEvents()
	c.metrics.RecordEventSubmitted(ev.EventType, c.cfg.Domain)

	if c.deps.Engine != nil {
		c.deps.Engine.Notify(pipeline.Entry{Key: key, Event: ev})
	}
	return future, nil
}

// Resolve delivers a completion to its waiting future. Completions
// without a tracked future are ignored; their record in the completion
// map still stands. Wire this as the pipeline's completion callback.
func (c *Controller) Resolve(info event.CompletionInfo) {
	jk := info.Key.JournalKey()

	c.mu.Lock()
	entry, ok := c.futures[jk]
	if ok {
		delete(c.futures, jk)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	entry.future.resolve(info)
	c.metrics.DecPendingCompletions()
}

// PendingCompletions returns the number of futures awaiting resolution.
func (c *Controller) PendingCompletions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.futures)
}

func (c *Controller) track(key event.PartitionedSequenceKey, ev *event.Event) *Future {
	future := newFuture()
	c.mu.Lock()
	c.futures[key.JournalKey()] = &tracked{
		future:      future,
		eventID:     ev.EventID,
		key:         key,
		submittedAt: ev.SubmittedAt,
	}
	c.mu.Unlock()
	c.metrics.IncPendingCompletions()
	return future
}

func (c *Controller) untrack(journalKey string) {
	c.mu.Lock()
	_, ok := c.futures[journalKey]
	delete(c.futures, journalKey)
	c.mu.Unlock()
	if ok {
		c.metrics.DecPendingCompletions()
	}
}

func (c *Controller) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOrphans()
		case <-c.stopCh:
			return
		}
	}
}

// sweepOrphans resolves futures whose completion never arrived within
// the timeout.
func (c *Controller) sweepOrphans() {
	cutoff := time.Now().Add(-c.cfg.CompletionTimeout)

	c.mu.Lock()
	var orphans []*tracked
	for jk, entry := range c.futures {
		if entry.submittedAt.Before(cutoff) {
			orphans = append(orphans, entry)
			delete(c.futures, jk)
		}
	}
	c.mu.Unlock()

	for _, entry := range orphans {
		entry.future.resolve(event.CompletionInfo{
			EventID:     entry.eventID,
			Key:         entry.key,
			Outcome:     event.OutcomeOrphaned,
			Error:       "completion not observed within timeout",
			SubmittedAt: entry.submittedAt,
			CompletedAt: time.Now().UTC(),
		})
		c.metrics.RecordCompletionOrphaned()
		c.metrics.DecPendingCompletions()
		c.log.Warn("completion orphaned",
			"event_id", entry.eventID, "key", entry.key.String(), "submitted_at", entry.submittedAt)
	}
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordEventSubmitted(eventType, domain string) {}
func (n *nopMetrics) RecordCompletionOrphaned()                     {}
func (n *nopMetrics) IncPendingEvents()                             {}
func (n *nopMetrics) IncPendingCompletions()                        {}
func (n *nopMetrics) DecPendingCompletions()                        {}
