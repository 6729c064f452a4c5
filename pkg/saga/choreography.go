package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/resilience"
)

// CompensationRoute names the event that undoes one forward event and
// the service that owns the undo.
type CompensationRoute struct {
	CompensatingEventType string
	OwningService         string
}

// CompensationRegistry maps forward saga event types to their
// compensations. Every forward event participating in a saga has
// exactly one route or is marked terminal.
type CompensationRegistry struct {
	mu       sync.RWMutex
	routes   map[string]CompensationRoute
	terminal map[string]struct{}
}

// NewCompensationRegistry creates an empty registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{
		routes:   make(map[string]CompensationRoute),
		terminal: make(map[string]struct{}),
	}
}

// Register adds the route for one forward event type. A second route
// for the same type is an error.
func (r *CompensationRegistry) Register(forwardType, compensatingType, owningService string) error {
	if forwardType == "" || compensatingType == "" || owningService == "" {
		return fmt.Errorf("saga: compensation route needs forward type, compensating type and owning service")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[forwardType]; ok {
		return fmt.Errorf("saga: %s already has a compensation route", forwardType)
	}
	if _, ok := r.terminal[forwardType]; ok {
		return fmt.Errorf("saga: %s is marked terminal", forwardType)
	}
	r.routes[forwardType] = CompensationRoute{
		CompensatingEventType: compensatingType,
		OwningService:         owningService,
	}
	return nil
}

// MarkTerminal declares a forward event that ends its saga and needs
// no compensation.
func (r *CompensationRegistry) MarkTerminal(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("saga: event type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[eventType]; ok {
		return fmt.Errorf("saga: %s already has a compensation route", eventType)
	}
	r.terminal[eventType] = struct{}{}
	return nil
}

// Route returns the compensation route for a forward event type.
func (r *CompensationRegistry) Route(eventType string) (CompensationRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[eventType]
	return route, ok
}

// Terminal reports whether the event type ends its saga.
func (r *CompensationRegistry) Terminal(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.terminal[eventType]
	return ok
}

// Validate checks that each forward type has a route or is terminal.
func (r *CompensationRegistry) Validate(forwardTypes ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range forwardTypes {
		if _, ok := r.routes[t]; ok {
			continue
		}
		if _, ok := r.terminal[t]; ok {
			continue
		}
		return fmt.Errorf("saga: %s has no compensation route and is not terminal", t)
	}
	return nil
}

// Publisher publishes saga events. *bus.Bus satisfies it, as does an
// outbox-backed publisher.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// FailureSink receives events whose step exhausted its retries.
type FailureSink interface {
	Add(ctx context.Context, ev *event.Event, stage string, cause error) error
}

// StepBinding describes one choreography step a service owns. Handle
// performs the local transaction and returns the payload of the next
// forward event. NextEventType empty marks the saga's final step.
type StepBinding struct {
	EventType     string
	StepNumber    int
	StepName      string
	NextEventType string
	Handle        func(ctx context.Context, ev *event.Event) (*event.Record, error)
}

// UndoBinding reverses one step when its compensating event arrives.
type UndoBinding struct {
	EventType  string
	StepNumber int
	StepName   string
	Undo       func(ctx context.Context, ev *event.Event) error
}

// ChoreographyStart describes a fresh choreography saga.
type ChoreographyStart struct {
	SagaType   string
	TotalSteps int
	Timeout    time.Duration
	First      *event.Event
}

// ListenerConfig assembles the dependencies of one service's listener.
type ListenerConfig struct {
	Service    string
	Store      *StateStore
	Bus        *bus.Bus
	Routes     *CompensationRegistry
	Publisher  Publisher
	Guard      ClaimGuard
	Resilience *resilience.Registry
	Failures   FailureSink
}

// Listener drives one service's choreography steps. Each forward event
// runs the local step under its resilience instance and publishes the
// next event; an exhausted failure routes the event to the failure
// sink and publishes compensating events for every step already
// completed, in reverse order.
type Listener struct {
	service  string
	store    *StateStore
	bus      *bus.Bus
	pub      Publisher
	guard    ClaimGuard
	res      *resilience.Registry
	routes   *CompensationRegistry
	failures FailureSink
	log      logger.Logger
	metrics  MetricsRecorder

	mu    sync.RWMutex
	steps map[string]StepBinding
	undos map[string]UndoBinding
	subs  []bus.Subscription
}

// NewListener creates a listener for one service.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("saga: service name is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("saga: state store cannot be nil")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("saga: bus cannot be nil")
	}
	if cfg.Routes == nil {
		return nil, fmt.Errorf("saga: compensation registry cannot be nil")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = cfg.Bus
	}
	return &Listener{
		service:  cfg.Service,
		store:    cfg.Store,
		bus:      cfg.Bus,
		pub:      pub,
		guard:    cfg.Guard,
		res:      cfg.Resilience,
		routes:   cfg.Routes,
		failures: cfg.Failures,
		log:      logger.Global().With("component", "saga_listener", "service", cfg.Service),
		metrics:  &nopMetrics{},
		steps:    make(map[string]StepBinding),
		undos:    make(map[string]UndoBinding),
	}, nil
}

// SetMetrics wires a metrics recorder. A nil recorder is ignored.
func (l *Listener) SetMetrics(m MetricsRecorder) {
	if m != nil {
		l.metrics = m
	}
}

// OnStep subscribes the listener to a forward event type.
func (l *Listener) OnStep(b StepBinding) error {
	if b.EventType == "" || b.StepName == "" || b.Handle == nil {
		return fmt.Errorf("saga: step binding needs event type, step name and handler")
	}
	l.mu.Lock()
	if _, ok := l.steps[b.EventType]; ok {
		l.mu.Unlock()
		return fmt.Errorf("saga: %s already bound", b.EventType)
	}
	l.steps[b.EventType] = b
	l.mu.Unlock()

	sub, err := l.bus.Subscribe(b.EventType, l.handleForward)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return nil
}

// OnUndo subscribes the listener to a compensating event type.
func (l *Listener) OnUndo(b UndoBinding) error {
	if b.EventType == "" || b.StepName == "" || b.Undo == nil {
		return fmt.Errorf("saga: undo binding needs event type, step name and handler")
	}
	l.mu.Lock()
	if _, ok := l.undos[b.EventType]; ok {
		l.mu.Unlock()
		return fmt.Errorf("saga: %s already bound", b.EventType)
	}
	l.undos[b.EventType] = b
	l.mu.Unlock()

	sub, err := l.bus.Subscribe(b.EventType, l.handleCompensating)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return nil
}

// StartSaga persists fresh saga state and publishes the first forward
// event with the saga fields stamped on.
func (l *Listener) StartSaga(ctx context.Context, in ChoreographyStart) (*State, error) {
	if in.SagaType == "" {
		return nil, fmt.Errorf("saga: saga type is required")
	}
	if in.TotalSteps <= 0 {
		return nil, fmt.Errorf("saga: total steps must be positive")
	}
	if in.First == nil {
		return nil, fmt.Errorf("saga: first event cannot be nil")
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultSagaTimeout
	}

	st := NewState(uuid.NewString(), in.SagaType, in.TotalSteps, time.Now().UTC().Add(timeout))
	st.CorrelationID = in.First.CorrelationID
	if err := l.store.Save(ctx, st); err != nil {
		return nil, err
	}
	l.metrics.RecordSagaStarted(in.SagaType)
	l.log.Info("saga started",
		"saga_id", st.SagaID, "saga_type", in.SagaType, "first_event", in.First.EventType)

	first := in.First.Clone()
	first.Source = l.service
	first.SagaID = st.SagaID
	first.SagaType = in.SagaType
	first.StepNumber = 0
	if err := l.pub.Publish(ctx, first); err != nil {
		return st, fmt.Errorf("saga: publish first event: %w", err)
	}
	return st, nil
}

// Close drops all subscriptions.
func (l *Listener) Close() error {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Listener) handleForward(ctx context.Context, ev *event.Event) {
	if ev == nil || !ev.Saga() || ev.IsCompensating {
		return
	}
	l.mu.RLock()
	b, ok := l.steps[ev.EventType]
	l.mu.RUnlock()
	if !ok {
		return
	}

	if l.guard != nil {
		fresh, err := l.guard.TryProcess(ctx, ev.EventID)
		if err != nil {
			l.log.Error("idempotency check failed",
				"event_id", ev.EventID, "saga_id", ev.SagaID, "error", err)
			return
		}
		if !fresh {
			l.log.Debug("duplicate event skipped", "event_id", ev.EventID, "saga_id", ev.SagaID)
			return
		}
	}

	var next *event.Record
	run := func(ctx context.Context) error {
		rec, err := b.Handle(ctx, ev)
		if err != nil {
			return err
		}
		next = rec
		return nil
	}

	var err error
	if l.res != nil {
		inst, rerr := l.res.Instance(stepInstanceName(l.service, b.StepName))
		if rerr != nil {
			err = rerr
		} else {
			err = inst.Execute(ctx, run)
		}
	} else {
		err = run(ctx)
	}
	if err != nil {
		l.failStep(ctx, ev, b, err)
		return
	}
	l.completeStep(ctx, ev, b, next)
}

func (l *Listener) completeStep(ctx context.Context, ev *event.Event, b StepBinding, next *event.Record) {
	record := StepRecord{
		StepNumber: b.StepNumber,
		StepName:   b.StepName,
		Service:    l.service,
		EventType:  ev.EventType,
		Status:     StepCompleted,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := l.store.UpdateOrAddStep(ctx, ev.SagaID, record); err != nil {
		l.log.Error("step record update failed",
			"saga_id", ev.SagaID, "step", b.StepName, "error", err)
		return
	}
	l.log.Info("step completed", "saga_id", ev.SagaID, "step", b.StepName)

	if b.NextEventType == "" {
		final, advanced, err := l.store.CompleteSaga(ctx, ev.SagaID, StatusCompleted)
		if err != nil {
			l.log.Error("saga completion failed", "saga_id", ev.SagaID, "error", err)
			return
		}
		if advanced {
			l.metrics.RecordSagaCompleted(final.SagaType)
			l.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
			l.log.Info("saga completed", "saga_id", ev.SagaID, "saga_type", final.SagaType)
		}
		return
	}

	// A saga concurrently moved to COMPENSATING or a terminal status
	// must not march forward; the transition failing is the signal.
	if _, err := l.store.UpdateStatus(ctx, ev.SagaID, StatusInProgress); err != nil {
		l.log.Warn("saga no longer advancing, next event suppressed",
			"saga_id", ev.SagaID, "step", b.StepName, "error", err)
		return
	}

	fwd, err := event.New(event.NewEventInput{
		EventType:     b.NextEventType,
		EntityKey:     ev.EntityKey,
		Payload:       next,
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		l.log.Error("next event build failed", "saga_id", ev.SagaID, "error", err)
		return
	}
	fwd.Source = l.service
	fwd.SagaID = ev.SagaID
	fwd.SagaType = ev.SagaType
	fwd.StepNumber = b.StepNumber + 1
	if err := l.pub.Publish(ctx, fwd); err != nil {
		l.log.Error("next event publish failed",
			"saga_id", ev.SagaID, "event_type", fwd.EventType, "error", err)
		if l.failures != nil {
			_ = l.failures.Add(ctx, fwd, "saga_publish", err)
		}
	}
}

func (l *Listener) failStep(ctx context.Context, ev *event.Event, b StepBinding, cause error) {
	l.log.Error("step failed",
		"saga_id", ev.SagaID, "step", b.StepName, "event_id", ev.EventID, "error", cause)
	if l.failures != nil {
		if err := l.failures.Add(ctx, ev, "saga_step", cause); err != nil {
			l.log.Error("failure sink write failed", "event_id", ev.EventID, "error", err)
		}
	}

	record := StepRecord{
		StepNumber:    b.StepNumber,
		StepName:      b.StepName,
		Service:       l.service,
		EventType:     ev.EventType,
		Status:        StepFailed,
		FailureReason: cause.Error(),
		Timestamp:     time.Now().UTC(),
	}
	if _, err := l.store.UpdateOrAddStep(ctx, ev.SagaID, record); err != nil {
		l.log.Error("step record update failed",
			"saga_id", ev.SagaID, "step", b.StepName, "error", err)
		return
	}

	st, err := l.store.BeginCompensation(ctx, ev.SagaID)
	if err != nil {
		l.log.Error("compensation start failed", "saga_id", ev.SagaID, "error", err)
		return
	}
	l.publishCompensations(ctx, st, ev, cause)
}

// publishCompensations emits one compensating event per completed
// step, newest first. With nothing to undo the saga is finalized
// straight to COMPENSATED.
func (l *Listener) publishCompensations(ctx context.Context, st *State, failed *event.Event, cause error) {
	completed := st.CompletedSteps()
	if len(completed) == 0 {
		l.finalizeCompensated(ctx, st.SagaID)
		return
	}

	for i := len(completed) - 1; i >= 0; i-- {
		rec, ok := st.Step(completed[i])
		if !ok {
			continue
		}
		route, ok := l.routes.Route(rec.EventType)
		if !ok {
			l.log.Error("no compensation route",
				"saga_id", st.SagaID, "event_type", rec.EventType, "step", rec.StepName)
			continue
		}

		payload := event.NewRecord("compensation").
			Set("failed_event_type", failed.EventType).
			Set("failed_step", failed.StepNumber).
			Set("reason", cause.Error())
		comp, err := event.New(event.NewEventInput{
			EventType:     route.CompensatingEventType,
			EntityKey:     failed.EntityKey,
			Payload:       payload,
			CorrelationID: failed.CorrelationID,
		})
		if err != nil {
			l.log.Error("compensating event build failed",
				"saga_id", st.SagaID, "event_type", route.CompensatingEventType, "error", err)
			continue
		}
		comp.Source = l.service
		comp.SagaID = st.SagaID
		comp.SagaType = st.SagaType
		comp.StepNumber = rec.StepNumber
		comp.IsCompensating = true

		if err := l.pub.Publish(ctx, comp); err != nil {
			l.log.Error("compensating event publish failed",
				"saga_id", st.SagaID, "event_type", comp.EventType, "error", err)
			if l.failures != nil {
				_ = l.failures.Add(ctx, comp, "saga_publish", err)
			}
		}
	}
}

func (l *Listener) handleCompensating(ctx context.Context, ev *event.Event) {
	if ev == nil || !ev.Saga() || !ev.IsCompensating {
		return
	}
	l.mu.RLock()
	b, ok := l.undos[ev.EventType]
	l.mu.RUnlock()
	if !ok {
		return
	}

	if l.guard != nil {
		fresh, err := l.guard.TryProcess(ctx, ev.EventID)
		if err != nil {
			l.log.Error("idempotency check failed",
				"event_id", ev.EventID, "saga_id", ev.SagaID, "error", err)
			return
		}
		if !fresh {
			l.log.Debug("duplicate event skipped", "event_id", ev.EventID, "saga_id", ev.SagaID)
			return
		}
	}

	if err := b.Undo(ctx, ev); err != nil {
		// Compensations are not retried. The saga stays COMPENSATING
		// until the timeout detector finalizes it.
		l.metrics.RecordCompensationFailed(ev.SagaType)
		l.log.Error("compensation failed",
			"saga_id", ev.SagaID, "step", b.StepName, "error", err)
		if l.failures != nil {
			_ = l.failures.Add(ctx, ev, "saga_undo", err)
		}
		rec, found := l.stepRecord(ctx, ev.SagaID, b.StepNumber)
		if found {
			rec.FailureReason = "compensation failed: " + err.Error()
			if _, uerr := l.store.UpdateOrAddStep(ctx, ev.SagaID, rec); uerr != nil {
				l.log.Error("step record update failed", "saga_id", ev.SagaID, "error", uerr)
			}
		}
		return
	}

	record := StepRecord{
		StepNumber: b.StepNumber,
		StepName:   b.StepName,
		Service:    l.service,
		EventType:  ev.EventType,
		Status:     StepCompensated,
		Timestamp:  time.Now().UTC(),
	}
	st, err := l.store.UpdateOrAddStep(ctx, ev.SagaID, record)
	if err != nil {
		l.log.Error("step record update failed",
			"saga_id", ev.SagaID, "step", b.StepName, "error", err)
		return
	}
	l.log.Info("step compensated", "saga_id", ev.SagaID, "step", b.StepName)

	if len(st.CompletedSteps()) == 0 {
		l.finalizeCompensated(ctx, ev.SagaID)
	}
}

func (l *Listener) finalizeCompensated(ctx context.Context, sagaID string) {
	final, advanced, err := l.store.CompleteSaga(ctx, sagaID, StatusCompensated)
	if err != nil {
		l.log.Error("saga completion failed", "saga_id", sagaID, "error", err)
		return
	}
	if advanced {
		l.metrics.RecordSagaCompensated(final.SagaType)
		l.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
		l.log.Info("saga compensated", "saga_id", sagaID, "saga_type", final.SagaType)
	}
}

func (l *Listener) stepRecord(ctx context.Context, sagaID string, stepNumber int) (StepRecord, bool) {
	st, err := l.store.Get(ctx, sagaID)
	if err != nil {
		return StepRecord{}, false
	}
	return st.Step(stepNumber)
}

func stepInstanceName(service, stepName string) string {
	return fmt.Sprintf("%s.%s", service, stepName)
}
