package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/resilience"
)

// ErrStepTimeout marks a step action that exceeded its step timeout.
var ErrStepTimeout = errors.New("saga: step timed out")

// ErrSagaTimeout marks a saga that exceeded its deadline.
var ErrSagaTimeout = errors.New("saga: saga deadline exceeded")

// OrchestratorConfig tunes central saga execution.
type OrchestratorConfig struct {
	// MaxConcurrent caps the number of sagas executing at once. Start
	// and Resume block until a slot frees up.
	MaxConcurrent int

	// FailFastOnBreakerOpen compensates a saga immediately when a step
	// is rejected by an open circuit breaker. When false the step is
	// parked as PENDING_RETRY and the saga stays IN_PROGRESS until it
	// is resumed or times out.
	FailFastOnBreakerOpen bool
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{MaxConcurrent: 100}
}

// Result is the outcome of one saga execution attempt.
type Result struct {
	SagaID     string
	Status     Status
	FailedStep string
	Err        error
}

// Future resolves once the saga reaches a terminal status or parks
// behind an open circuit breaker.
type Future struct {
	once sync.Once
	done chan struct{}
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(r Result) *Future {
	f := newFuture()
	f.resolve(r)
	return f
}

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.res = r
		close(f.done)
	})
}

// Result blocks until the execution resolves or ctx is done.
func (f *Future) Result(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done reports whether the execution has resolved.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// LifecycleHooks receives notifications at saga milestones. Nil
// callbacks are skipped. Hooks run synchronously on the execution
// goroutine and receive state clones, so they must be fast and may
// keep what they are given.
type LifecycleHooks struct {
	SagaStarted     func(st *State)
	StepStarted     func(st *State, step StepRecord)
	StepCompleted   func(st *State, step StepRecord)
	StepFailed      func(st *State, step StepRecord)
	SagaCompleted   func(st *State)
	SagaCompensated func(st *State)
	SagaTimedOut    func(st *State)
}

// ClaimGuard claims step executions so two coordinators racing on the
// same saga never run a step twice.
type ClaimGuard interface {
	TryProcess(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// OrchestratorOption customizes an orchestrator.
type OrchestratorOption func(o *Orchestrator)

// WithClaimGuard claims each step through the guard before running it.
func WithClaimGuard(g ClaimGuard) OrchestratorOption {
	return func(o *Orchestrator) { o.guard = g }
}

// WithJournal records an append-only execution history.
func WithJournal(j Journal) OrchestratorOption {
	return func(o *Orchestrator) { o.journal = j }
}

// WithHooks registers lifecycle observers.
func WithHooks(h LifecycleHooks) OrchestratorOption {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// Orchestrator drives registered saga definitions from a central
// coordinator. Progress is persisted after every step so an
// interrupted saga can resume where it stopped, and completed steps
// are compensated in reverse order when a later step fails.
type Orchestrator struct {
	service string
	store   *StateStore
	cfg     OrchestratorConfig
	guard   ClaimGuard
	journal Journal
	sema    chan struct{}
	log     logger.Logger
	metrics MetricsRecorder

	mu    sync.RWMutex
	defs  map[string]*Definition
	hooks []LifecycleHooks
}

// NewOrchestrator creates an orchestrator for one service.
func NewOrchestrator(service string, store *StateStore, cfg OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	if service == "" {
		return nil, fmt.Errorf("saga: service name is required")
	}
	if store == nil {
		return nil, fmt.Errorf("saga: state store cannot be nil")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultOrchestratorConfig().MaxConcurrent
	}

	o := &Orchestrator{
		service: service,
		store:   store,
		cfg:     cfg,
		sema:    make(chan struct{}, cfg.MaxConcurrent),
		log:     logger.Global().With("component", "orchestrator", "service", service),
		metrics: &nopMetrics{},
		defs:    make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetMetrics wires a metrics recorder. A nil recorder is ignored.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	if m != nil {
		o.metrics = m
	}
}

// Register makes a definition available to Start and Resume.
func (o *Orchestrator) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("saga: definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.defs[def.SagaType]; ok {
		return fmt.Errorf("saga: type %s already registered", def.SagaType)
	}
	o.defs[def.SagaType] = def
	return nil
}

// Definition returns a registered definition by saga type.
func (o *Orchestrator) Definition(sagaType string) (*Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.defs[sagaType]
	return def, ok
}

// Start begins a new saga. It blocks while the orchestrator is at
// MaxConcurrent, then persists the initial state and executes steps on
// a background goroutine. The returned future resolves when the saga
// reaches a terminal status or parks behind an open breaker.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, initial map[string]any, correlationID string) (*Future, error) {
	def, ok := o.Definition(sagaType)
	if !ok {
		return nil, fmt.Errorf("saga: type %s is not registered", sagaType)
	}

	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st := NewState(uuid.NewString(), def.SagaType, len(def.Steps), time.Now().UTC().Add(def.Timeout))
	st.CorrelationID = correlationID
	st.MergeContext(initial)
	for i, step := range def.Steps {
		st.Steps = append(st.Steps, StepRecord{
			StepNumber: i,
			StepName:   step.Name,
			Service:    o.service,
			Status:     StepPending,
			Timestamp:  st.StartedAt,
		})
	}
	if err := o.store.Save(ctx, st); err != nil {
		<-o.sema
		return nil, err
	}

	o.appendJournal(ctx, st, JournalSagaStarted, "", "")
	o.metrics.RecordSagaStarted(st.SagaType)
	o.metrics.IncActiveSagas()
	o.notifySagaStarted(st)
	o.log.Info("saga started",
		"saga_id", st.SagaID, "saga_type", st.SagaType, "steps", len(def.Steps))

	// A definition with no steps has nothing to execute or compensate;
	// it completes on the spot.
	if len(def.Steps) == 0 {
		defer func() { <-o.sema }()
		defer o.metrics.DecActiveSagas()
		final, advanced, err := o.store.CompleteSaga(ctx, st.SagaID, StatusCompleted)
		if err != nil {
			o.log.Error("saga completion failed", "saga_id", st.SagaID, "error", err)
			return resolvedFuture(Result{SagaID: st.SagaID, Status: st.Status, Err: err}), nil
		}
		if advanced {
			o.appendJournal(ctx, final, JournalSagaCompleted, "", "")
			o.metrics.RecordSagaCompleted(final.SagaType)
			o.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
			o.notifySagaCompleted(final)
			o.log.Info("saga completed", "saga_id", st.SagaID, "saga_type", st.SagaType)
		}
		return resolvedFuture(Result{SagaID: st.SagaID, Status: final.Status}), nil
	}

	fut := newFuture()
	go o.run(def, st, NewContextFrom(st.ContextData), fut, 0, spanSagaExecute)
	return fut, nil
}

// Resume continues an interrupted saga from its first unfinished step,
// or finishes its compensation if it stopped partway through one. A
// saga already terminal resolves immediately.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*Future, error) {
	st, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return resolvedFuture(Result{SagaID: sagaID, Status: st.Status}), nil
	}
	def, ok := o.Definition(st.SagaType)
	if !ok {
		return nil, fmt.Errorf("saga: type %s is not registered", st.SagaType)
	}

	select {
	case o.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.metrics.IncActiveSagas()
	sagaCtx := NewContextFrom(st.ContextData)
	fut := newFuture()

	failedStep, cause := failureOf(st)
	if st.Status == StatusCompensating || failedStep != "" {
		go func() {
			defer func() { <-o.sema }()
			defer o.metrics.DecActiveSagas()
			cctx, span := sagaTracer().Start(context.Background(), spanSagaResume)
			span.SetAttributes(attribute.String("saga.id", st.SagaID))
			if st.CorrelationID != "" {
				span.SetAttributes(attribute.String("correlation.id", st.CorrelationID))
			}
			defer span.End()
			o.finishWithCompensation(cctx, def, st, failedStep, cause, sagaCtx, fut)
		}()
		return fut, nil
	}

	next := len(def.Steps)
	for i := range def.Steps {
		rec, ok := st.Step(i)
		if !ok || rec.Status != StepCompleted {
			next = i
			break
		}
	}
	if o.guard != nil && next < len(def.Steps) {
		// The crashed run may still hold the claim for this step.
		if err := o.guard.Release(ctx, stepClaimKey(sagaID, next)); err != nil {
			o.log.Warn("step claim release failed",
				"saga_id", sagaID, "step", next, "error", err)
		}
	}
	o.log.Info("saga resumed", "saga_id", sagaID, "saga_type", st.SagaType, "from_step", next)

	go o.run(def, st, sagaCtx, fut, next, spanSagaResume)
	return fut, nil
}

// ForceCompensate manually compensates an active saga, typically from
// an operator request. The saga ends COMPENSATED, or FAILED when any
// compensation fails. A saga already terminal is returned unchanged.
func (o *Orchestrator) ForceCompensate(ctx context.Context, sagaID, reason string) (*State, error) {
	st, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	def, ok := o.Definition(st.SagaType)
	if !ok {
		return nil, fmt.Errorf("saga: type %s is not registered", st.SagaType)
	}

	cause := errors.New("manually compensated")
	if reason != "" {
		cause = errors.New(reason)
	}
	failedStep, _ := failureOf(st)
	return o.runCompensation(ctx, def, st, failedStep, cause, NewContextFrom(st.ContextData))
}

// Compensate runs the compensation chain for a saga that was already
// moved to a terminal status elsewhere, typically by the timeout
// detector. Only step records are updated; the stored status is left
// as is.
func (o *Orchestrator) Compensate(ctx context.Context, st *State) error {
	if st == nil {
		return fmt.Errorf("saga: state cannot be nil")
	}
	def, ok := o.Definition(st.SagaType)
	if !ok {
		return fmt.Errorf("saga: type %s is not registered", st.SagaType)
	}

	cctx, span := sagaTracer().Start(ctx, spanSagaCompensate)
	span.SetAttributes(
		attribute.String("saga.id", st.SagaID),
		attribute.String("saga.type", st.SagaType),
	)
	if st.CorrelationID != "" {
		span.SetAttributes(attribute.String("correlation.id", st.CorrelationID))
	}
	defer span.End()

	failedStep, cause := failureOf(st)
	if cause == nil {
		cause = ErrSagaTimeout
	}
	return o.compensateCompleted(cctx, def, st, failedStep, cause, NewContextFrom(st.ContextData))
}

func (o *Orchestrator) run(def *Definition, st *State, sagaCtx *Context, fut *Future, fromStep int, spanName string) {
	defer func() { <-o.sema }()
	defer o.metrics.DecActiveSagas()

	ctx, cancel := context.WithDeadline(context.Background(), st.Deadline)
	defer cancel()
	ctx, span := sagaTracer().Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("saga.id", st.SagaID),
		attribute.String("saga.type", st.SagaType),
	)
	if st.CorrelationID != "" {
		span.SetAttributes(attribute.String("correlation.id", st.CorrelationID))
	}
	defer span.End()

	o.advance(ctx, def, st, sagaCtx, fut, fromStep)
}

func (o *Orchestrator) advance(ctx context.Context, def *Definition, st *State, sagaCtx *Context, fut *Future, fromStep int) {
	if ctx.Err() != nil {
		activeStep := ""
		if fromStep < len(def.Steps) {
			activeStep = def.Steps[fromStep].Name
		}
		o.finishTimedOut(def, st, activeStep, sagaCtx, fut)
		return
	}

	if _, err := o.store.UpdateStatus(ctx, st.SagaID, StatusInProgress); err != nil {
		o.log.Error("saga status update failed", "saga_id", st.SagaID, "error", err)
		fut.resolve(Result{SagaID: st.SagaID, Status: st.Status, Err: err})
		return
	}

	for i := fromStep; i < len(def.Steps); i++ {
		if ctx.Err() != nil {
			o.finishTimedOut(def, st, def.Steps[i].Name, sagaCtx, fut)
			return
		}

		out := o.executeStep(ctx, def, st, i, sagaCtx)
		switch out.kind {
		case stepDone:
			continue
		case stepClaimed:
			o.log.Info("step claimed elsewhere, yielding",
				"saga_id", st.SagaID, "step", def.Steps[i].Name)
			fut.resolve(Result{SagaID: st.SagaID, Status: StatusInProgress, FailedStep: def.Steps[i].Name, Err: out.err})
			return
		case stepParked:
			fut.resolve(Result{SagaID: st.SagaID, Status: StatusInProgress, FailedStep: def.Steps[i].Name, Err: out.err})
			return
		case stepExpired:
			o.finishTimedOut(def, st, def.Steps[i].Name, sagaCtx, fut)
			return
		default:
			o.finishWithCompensation(ctx, def, st, def.Steps[i].Name, out.err, sagaCtx, fut)
			return
		}
	}

	final, advanced, err := o.store.CompleteSaga(context.Background(), st.SagaID, StatusCompleted)
	if err != nil {
		o.log.Error("saga completion failed", "saga_id", st.SagaID, "error", err)
		fut.resolve(Result{SagaID: st.SagaID, Status: StatusInProgress, Err: err})
		return
	}
	if advanced {
		o.appendJournal(context.Background(), final, JournalSagaCompleted, "", "")
		o.metrics.RecordSagaCompleted(final.SagaType)
		o.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
		o.notifySagaCompleted(final)
		o.log.Info("saga completed", "saga_id", st.SagaID, "saga_type", st.SagaType)
	}
	fut.resolve(Result{SagaID: st.SagaID, Status: final.Status})
}

type stepOutcomeKind int

const (
	stepDone stepOutcomeKind = iota
	stepFailed
	stepClaimed
	stepParked
	stepExpired
)

type stepOutcome struct {
	kind stepOutcomeKind
	err  error
}

func (o *Orchestrator) executeStep(ctx context.Context, def *Definition, st *State, i int, sagaCtx *Context) stepOutcome {
	stepDef := def.Steps[i]
	ctx, span := sagaTracer().Start(ctx, spanSagaStep)
	span.SetAttributes(
		attribute.String("saga.id", st.SagaID),
		attribute.String("saga.step", stepDef.Name),
		attribute.Int("saga.step_number", i),
	)
	defer span.End()

	if o.guard != nil {
		ok, err := o.guard.TryProcess(ctx, stepClaimKey(st.SagaID, i))
		if err != nil {
			return stepOutcome{kind: stepClaimed, err: err}
		}
		if !ok {
			return stepOutcome{kind: stepClaimed}
		}
	}

	record := StepRecord{
		StepNumber: i,
		StepName:   stepDef.Name,
		Service:    o.service,
		Status:     StepPending,
		Timestamp:  time.Now().UTC(),
	}
	updated, err := o.store.UpdateOrAddStep(ctx, st.SagaID, record)
	if err != nil {
		return stepOutcome{kind: stepFailed, err: err}
	}
	o.appendJournal(ctx, st, JournalStepStarted, stepDef.Name, "")
	o.notifyStepStarted(updated, record)

	began := time.Now()
	for attempt := 0; ; attempt++ {
		data, err := o.invoke(ctx, def, stepDef, st, i, sagaCtx)
		if err == nil {
			sagaCtx.Merge(data)
			record.Status = StepCompleted
			record.Timestamp = time.Now().UTC()
			record.FailureReason = ""
			updated, serr := o.store.RecordStepResult(ctx, st.SagaID, record, data)
			if serr != nil {
				return stepOutcome{kind: stepFailed, err: serr}
			}
			o.metrics.RecordStepDuration(st.SagaType, stepDef.Name, time.Since(began))
			o.appendJournal(ctx, st, JournalStepCompleted, stepDef.Name, "")
			o.notifyStepCompleted(updated, record)
			o.log.Info("step completed",
				"saga_id", st.SagaID, "step", stepDef.Name, "attempts", attempt+1)
			return stepOutcome{kind: stepDone}
		}

		if ctx.Err() != nil {
			return stepOutcome{kind: stepExpired, err: err}
		}

		if resilience.IsCircuitOpen(err) && !o.cfg.FailFastOnBreakerOpen {
			record.Status = StepPendingRetry
			record.Timestamp = time.Now().UTC()
			record.FailureReason = err.Error()
			if _, serr := o.store.UpdateOrAddStep(ctx, st.SagaID, record); serr != nil {
				o.log.Error("step record update failed",
					"saga_id", st.SagaID, "step", stepDef.Name, "error", serr)
			}
			o.appendJournal(ctx, st, JournalStepParked, stepDef.Name, err.Error())
			o.log.Warn("step parked behind open breaker",
				"saga_id", st.SagaID, "step", stepDef.Name, "error", err)
			return stepOutcome{kind: stepParked, err: err}
		}

		if resilience.Retryable(err) && attempt < stepDef.MaxRetries {
			o.log.Debug("retrying step",
				"saga_id", st.SagaID, "step", stepDef.Name, "attempt", attempt+2, "error", err)
			select {
			case <-ctx.Done():
				return stepOutcome{kind: stepExpired, err: ctx.Err()}
			case <-time.After(stepDef.RetryDelay):
			}
			continue
		}

		if errors.Is(err, ErrStepTimeout) {
			record.Status = StepTimedOut
		} else {
			record.Status = StepFailed
		}
		record.Timestamp = time.Now().UTC()
		record.FailureReason = err.Error()
		updated, serr := o.store.UpdateOrAddStep(ctx, st.SagaID, record)
		if serr != nil {
			o.log.Error("step record update failed",
				"saga_id", st.SagaID, "step", stepDef.Name, "error", serr)
			updated = st
		}
		o.metrics.RecordStepDuration(st.SagaType, stepDef.Name, time.Since(began))
		o.appendJournal(ctx, st, JournalStepFailed, stepDef.Name, err.Error())
		o.notifyStepFailed(updated, record)
		o.log.Warn("step failed",
			"saga_id", st.SagaID, "step", stepDef.Name, "attempts", attempt+1, "error", err)
		return stepOutcome{kind: stepFailed, err: err}
	}
}

// invoke runs one step action under its timeout on its own goroutine.
// A result arriving after the timeout is dropped with the buffered
// channel nobody reads.
func (o *Orchestrator) invoke(ctx context.Context, def *Definition, stepDef *StepDefinition, st *State, i int, sagaCtx *Context) (map[string]any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, def.StepTimeoutFor(stepDef))
	defer cancel()

	type actionResult struct {
		data map[string]any
		err  error
	}
	ch := make(chan actionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- actionResult{err: fmt.Errorf("saga: step %s panicked: %v", stepDef.Name, r)}
			}
		}()
		data, err := stepDef.Action(stepCtx, &StepContext{
			SagaID:     st.SagaID,
			StepNumber: i,
			StepName:   stepDef.Name,
			Context:    sagaCtx,
		})
		ch <- actionResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-stepCtx.Done():
		return nil, fmt.Errorf("saga: step %s: %w", stepDef.Name, ErrStepTimeout)
	}
}

func (o *Orchestrator) invokeCompensation(ctx context.Context, def *Definition, stepDef *StepDefinition, cc *CompensationContext) error {
	stepCtx, cancel := context.WithTimeout(ctx, def.StepTimeoutFor(stepDef))
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("saga: compensation %s panicked: %v", stepDef.Name, r)
			}
		}()
		ch <- stepDef.Compensation(stepCtx, cc)
	}()

	select {
	case err := <-ch:
		return err
	case <-stepCtx.Done():
		return fmt.Errorf("saga: compensation %s: %w", stepDef.Name, ErrStepTimeout)
	}
}

func (o *Orchestrator) finishWithCompensation(ctx context.Context, def *Definition, st *State, failedStep string, cause error, sagaCtx *Context, fut *Future) {
	final, err := o.runCompensation(context.Background(), def, st, failedStep, cause, sagaCtx)
	if err != nil {
		fut.resolve(Result{SagaID: st.SagaID, Status: st.Status, FailedStep: failedStep, Err: err})
		return
	}
	fut.resolve(Result{SagaID: st.SagaID, Status: final.Status, FailedStep: failedStep, Err: cause})
}

// runCompensation moves the saga to COMPENSATING, undoes completed
// steps in reverse order and finalizes to COMPENSATED, or FAILED when
// any compensation failed. The returned error reports storage
// problems only.
func (o *Orchestrator) runCompensation(ctx context.Context, def *Definition, st *State, failedStep string, cause error, sagaCtx *Context) (*State, error) {
	ctx, span := sagaTracer().Start(ctx, spanSagaCompensate)
	span.SetAttributes(
		attribute.String("saga.id", st.SagaID),
		attribute.String("saga.type", st.SagaType),
	)
	defer span.End()

	current, err := o.store.BeginCompensation(ctx, st.SagaID)
	if err != nil {
		o.log.Error("compensation start failed", "saga_id", st.SagaID, "error", err)
		return nil, err
	}
	o.appendJournal(ctx, current, JournalCompensationStarted, failedStep, reasonOf(cause))
	o.log.Info("compensating saga",
		"saga_id", st.SagaID, "saga_type", st.SagaType, "failed_step", failedStep)

	compErr := o.compensateCompleted(ctx, def, current, failedStep, cause, sagaCtx)

	terminal := StatusCompensated
	if compErr != nil {
		terminal = StatusFailed
	}
	final, advanced, err := o.store.CompleteSaga(ctx, st.SagaID, terminal)
	if err != nil {
		o.log.Error("saga completion failed", "saga_id", st.SagaID, "error", err)
		return nil, err
	}
	if advanced {
		o.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
		if final.Status == StatusCompensated {
			o.appendJournal(ctx, final, JournalSagaCompensated, "", "")
			o.metrics.RecordSagaCompensated(final.SagaType)
			o.notifySagaCompensated(final)
			o.log.Info("saga compensated", "saga_id", st.SagaID, "saga_type", st.SagaType)
		} else {
			o.appendJournal(ctx, final, JournalSagaFailed, "", reasonOf(compErr))
			o.metrics.RecordSagaFailed(final.SagaType)
			o.log.Error("saga failed",
				"saga_id", st.SagaID, "saga_type", st.SagaType, "error", compErr)
		}
	}
	return final, nil
}

// finishTimedOut finalizes a saga whose deadline passed mid-execution
// and then compensates whatever had completed. The terminal transition
// wins any race with the timeout detector; whoever loses skips the
// compensation chain.
func (o *Orchestrator) finishTimedOut(def *Definition, st *State, activeStep string, sagaCtx *Context, fut *Future) {
	ctx, span := sagaTracer().Start(context.Background(), spanSagaCompensate)
	span.SetAttributes(
		attribute.String("saga.id", st.SagaID),
		attribute.String("saga.type", st.SagaType),
	)
	defer span.End()

	final, advanced, err := o.store.CompleteSaga(ctx, st.SagaID, StatusTimedOut)
	if err != nil {
		o.log.Error("saga timeout finalization failed", "saga_id", st.SagaID, "error", err)
		fut.resolve(Result{SagaID: st.SagaID, Status: st.Status, FailedStep: activeStep, Err: err})
		return
	}
	if advanced {
		o.appendJournal(ctx, final, JournalSagaTimedOut, activeStep, "")
		o.metrics.RecordSagaTimedOut(final.SagaType)
		o.metrics.RecordSagaDuration(final.SagaType, time.Since(final.StartedAt))
		o.notifySagaTimedOut(final)
		o.log.Warn("saga timed out",
			"saga_id", st.SagaID, "saga_type", st.SagaType, "active_step", activeStep)
		if compErr := o.compensateCompleted(ctx, def, final, activeStep, ErrSagaTimeout, sagaCtx); compErr != nil {
			o.log.Error("compensation after timeout failed",
				"saga_id", st.SagaID, "error", compErr)
		}
	}
	fut.resolve(Result{SagaID: st.SagaID, Status: final.Status, FailedStep: activeStep, Err: ErrSagaTimeout})
}

// compensateCompleted undoes COMPLETED steps in reverse order.
// Compensations are never retried; a failed one is logged and
// recorded, and the chain continues with the remaining steps.
func (o *Orchestrator) compensateCompleted(ctx context.Context, def *Definition, st *State, failedStep string, cause error, sagaCtx *Context) error {
	completed := st.CompletedSteps()
	var firstErr error
	for i := len(completed) - 1; i >= 0; i-- {
		n := completed[i]
		if n >= len(def.Steps) {
			continue
		}
		stepDef := def.Steps[n]
		record, _ := st.Step(n)

		if stepDef.Compensation == nil {
			record.Status = StepCompensated
			record.Timestamp = time.Now().UTC()
			if _, err := o.store.UpdateOrAddStep(ctx, st.SagaID, record); err != nil {
				o.log.Error("step record update failed",
					"saga_id", st.SagaID, "step", stepDef.Name, "error", err)
			}
			continue
		}

		err := o.invokeCompensation(ctx, def, stepDef, &CompensationContext{
			SagaID:     st.SagaID,
			StepNumber: n,
			StepName:   stepDef.Name,
			FailedStep: failedStep,
			Cause:      cause,
			Context:    sagaCtx,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("saga: compensate step %s: %w", stepDef.Name, err)
			}
			o.metrics.RecordCompensationFailed(st.SagaType)
			o.appendJournal(ctx, st, JournalCompensationFailed, stepDef.Name, err.Error())
			o.log.Error("compensation failed",
				"saga_id", st.SagaID, "step", stepDef.Name, "error", err)
			record.FailureReason = "compensation failed: " + err.Error()
			if _, serr := o.store.UpdateOrAddStep(ctx, st.SagaID, record); serr != nil {
				o.log.Error("step record update failed",
					"saga_id", st.SagaID, "step", stepDef.Name, "error", serr)
			}
			continue
		}

		record.Status = StepCompensated
		record.Timestamp = time.Now().UTC()
		record.FailureReason = ""
		if _, serr := o.store.UpdateOrAddStep(ctx, st.SagaID, record); serr != nil {
			o.log.Error("step record update failed",
				"saga_id", st.SagaID, "step", stepDef.Name, "error", serr)
		}
		o.appendJournal(ctx, st, JournalStepCompensated, stepDef.Name, "")
	}
	return firstErr
}

func (o *Orchestrator) appendJournal(ctx context.Context, st *State, kind, step, detail string) {
	if o.journal == nil {
		return
	}
	_, err := o.journal.Append(ctx, JournalEntry{
		SagaID:   st.SagaID,
		SagaType: st.SagaType,
		Kind:     kind,
		Step:     step,
		Detail:   detail,
	})
	if err != nil {
		o.log.Warn("journal append failed", "saga_id", st.SagaID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) snapshotHooks() []LifecycleHooks {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]LifecycleHooks, len(o.hooks))
	copy(out, o.hooks)
	return out
}

func (o *Orchestrator) notifySagaStarted(st *State) {
	for _, h := range o.snapshotHooks() {
		if h.SagaStarted != nil {
			h.SagaStarted(st.Clone())
		}
	}
}

func (o *Orchestrator) notifyStepStarted(st *State, step StepRecord) {
	for _, h := range o.snapshotHooks() {
		if h.StepStarted != nil {
			h.StepStarted(st.Clone(), step)
		}
	}
}

func (o *Orchestrator) notifyStepCompleted(st *State, step StepRecord) {
	for _, h := range o.snapshotHooks() {
		if h.StepCompleted != nil {
			h.StepCompleted(st.Clone(), step)
		}
	}
}

func (o *Orchestrator) notifyStepFailed(st *State, step StepRecord) {
	for _, h := range o.snapshotHooks() {
		if h.StepFailed != nil {
			h.StepFailed(st.Clone(), step)
		}
	}
}

func (o *Orchestrator) notifySagaCompleted(st *State) {
	for _, h := range o.snapshotHooks() {
		if h.SagaCompleted != nil {
			h.SagaCompleted(st.Clone())
		}
	}
}

func (o *Orchestrator) notifySagaCompensated(st *State) {
	for _, h := range o.snapshotHooks() {
		if h.SagaCompensated != nil {
			h.SagaCompensated(st.Clone())
		}
	}
}

func (o *Orchestrator) notifySagaTimedOut(st *State) {
	for _, h := range o.snapshotHooks() {
		if h.SagaTimedOut != nil {
			h.SagaTimedOut(st.Clone())
		}
	}
}

// failureOf finds the step that failed or timed out, if any.
func failureOf(st *State) (string, error) {
	for _, step := range st.Steps {
		if step.Status == StepFailed || step.Status == StepTimedOut {
			if step.FailureReason != "" {
				return step.StepName, errors.New(step.FailureReason)
			}
			return step.StepName, nil
		}
	}
	return "", nil
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func stepClaimKey(sagaID string, step int) string {
	return fmt.Sprintf("%s:step:%d", sagaID, step)
}
