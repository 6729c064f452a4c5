package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/resilience"
)

type capturePublisher struct {
	mu     sync.Mutex
	inner  Publisher
	events []*event.Event
}

func (p *capturePublisher) Publish(ctx context.Context, ev *event.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.inner != nil {
		return p.inner.Publish(ctx, ev)
	}
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type failureEntry struct {
	eventType string
	stage     string
	cause     string
}

type captureFailures struct {
	mu      sync.Mutex
	entries []failureEntry
}

func (f *captureFailures) Add(ctx context.Context, ev *event.Event, stage string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, failureEntry{eventType: ev.EventType, stage: stage, cause: cause.Error()})
	return nil
}

func (f *captureFailures) all() []failureEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]failureEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

type choreoHarness struct {
	store    *StateStore
	bus      *bus.Bus
	routes   *CompensationRegistry
	pub      *capturePublisher
	failures *captureFailures
	listener *Listener
}

func newChoreoHarness(t *testing.T, guard ClaimGuard) *choreoHarness {
	t.Helper()
	store := newTestStore(t)
	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	b, err := bus.New(transport, nil, bus.Config{Service: "orders"})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}

	routes := NewCompensationRegistry()
	pub := &capturePublisher{inner: b}
	failures := &captureFailures{}
	listener, err := NewListener(ListenerConfig{
		Service:   "orders",
		Store:     store,
		Bus:       b,
		Routes:    routes,
		Publisher: pub,
		Guard:     guard,
		Failures:  failures,
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	return &choreoHarness{
		store:    store,
		bus:      b,
		routes:   routes,
		pub:      pub,
		failures: failures,
		listener: listener,
	}
}

func firstEvent(t *testing.T, eventType, entityKey string) *event.Event {
	t.Helper()
	ev, err := event.New(event.NewEventInput{
		EventType:     eventType,
		EntityKey:     entityKey,
		Payload:       event.NewRecord("order").Set("order_id", entityKey),
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	return ev
}

func TestCompensationRegistry(t *testing.T) {
	r := NewCompensationRegistry()

	if err := r.Register("", "OrderCancelled", "order"); err == nil {
		t.Error("expected error for empty forward type")
	}
	if err := r.Register("OrderCreated", "OrderCancelled", "order"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("OrderCreated", "Other", "order"); err == nil {
		t.Error("expected error for duplicate route")
	}
	if err := r.MarkTerminal("OrderCreated"); err == nil {
		t.Error("expected error marking routed type terminal")
	}

	if err := r.MarkTerminal("OrderConfirmed"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if err := r.Register("OrderConfirmed", "X", "order"); err == nil {
		t.Error("expected error routing terminal type")
	}
	if !r.Terminal("OrderConfirmed") || r.Terminal("OrderCreated") {
		t.Error("terminal flags wrong")
	}

	route, ok := r.Route("OrderCreated")
	if !ok || route.CompensatingEventType != "OrderCancelled" || route.OwningService != "order" {
		t.Errorf("route = %+v ok=%v", route, ok)
	}
	if _, ok := r.Route("Unknown"); ok {
		t.Error("unexpected route for unknown type")
	}

	if err := r.Validate("OrderCreated", "OrderConfirmed"); err != nil {
		t.Errorf("Validate: %v", err)
	}
	err := r.Validate("OrderCreated", "StockReserved")
	if err == nil || !strings.Contains(err.Error(), "StockReserved") {
		t.Errorf("Validate err = %v", err)
	}
}

func TestListener_ForwardFlowCompletesSaga(t *testing.T) {
	h := newChoreoHarness(t, nil)
	metrics := &sagaMetricsCapture{}
	h.listener.SetMetrics(metrics)

	if err := h.routes.Register("OrderCreated", "OrderCancelled", "order"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := h.routes.MarkTerminal("StockReserved"); err != nil {
		t.Fatalf("terminal: %v", err)
	}

	var mu sync.Mutex
	seenReservation := ""
	if err := h.listener.OnStep(StepBinding{
		EventType:     "OrderCreated",
		StepNumber:    0,
		StepName:      "create_order",
		NextEventType: "StockReserved",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return event.NewRecord("reservation").Set("reservation_id", "res-9"), nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if err := h.listener.OnStep(StepBinding{
		EventType:  "StockReserved",
		StepNumber: 1,
		StepName:   "reserve_stock",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			got, _ := ev.Payload.GetString("reservation_id")
			mu.Lock()
			seenReservation = got
			mu.Unlock()
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 2,
		First:      firstEvent(t, "OrderCreated", "order-1"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if st.Status != StatusStarted || st.CorrelationID != "corr-1" {
		t.Fatalf("started state = %+v", st)
	}

	eventually(t, func() bool {
		cur, err := h.store.Get(context.Background(), st.SagaID)
		return err == nil && cur.Status == StatusCompleted
	})

	final, _ := h.store.Get(context.Background(), st.SagaID)
	if final.CompletedAt == nil {
		t.Error("completed saga has no completion time")
	}
	rec0, _ := final.Step(0)
	if rec0.Status != StepCompleted || rec0.EventType != "OrderCreated" || rec0.Service != "orders" {
		t.Errorf("step 0 = %+v", rec0)
	}
	rec1, _ := final.Step(1)
	if rec1.Status != StepCompleted || rec1.EventType != "StockReserved" {
		t.Errorf("step 1 = %+v", rec1)
	}
	mu.Lock()
	if seenReservation != "res-9" {
		t.Errorf("next payload reservation_id = %q", seenReservation)
	}
	mu.Unlock()

	want := "OrderCreated,StockReserved"
	if got := strings.Join(h.pub.types(), ","); got != want {
		t.Errorf("published = %s, want %s", got, want)
	}
	s := metrics.stats()
	if s.started != 1 || s.completed != 1 || s.sagaDurations != 1 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestListener_FailurePublishesCompensationsInReverse(t *testing.T) {
	h := newChoreoHarness(t, nil)
	metrics := &sagaMetricsCapture{}
	h.listener.SetMetrics(metrics)

	for _, route := range [][3]string{
		{"OrderCreated", "OrderCancelled", "order"},
		{"StockReserved", "StockReleased", "inventory"},
		{"PaymentRequested", "PaymentRefunded", "payment"},
	} {
		if err := h.routes.Register(route[0], route[1], route[2]); err != nil {
			t.Fatalf("route: %v", err)
		}
	}

	ok := func(next string) func(ctx context.Context, ev *event.Event) (*event.Record, error) {
		return func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return event.NewRecord("step").Set("done", next), nil
		}
	}
	steps := []StepBinding{
		{EventType: "OrderCreated", StepNumber: 0, StepName: "create_order", NextEventType: "StockReserved", Handle: ok("stock")},
		{EventType: "StockReserved", StepNumber: 1, StepName: "reserve_stock", NextEventType: "PaymentRequested", Handle: ok("payment")},
		{EventType: "PaymentRequested", StepNumber: 2, StepName: "charge_payment", Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return nil, resilience.PaymentDeclined("card declined")
		}},
	}
	for _, b := range steps {
		if err := h.listener.OnStep(b); err != nil {
			t.Fatalf("OnStep %s: %v", b.EventType, err)
		}
	}

	type undoSeen struct {
		failedEventType string
		failedStep      int64
		reason          string
		stepNumber      int
		compensating    bool
	}
	var mu sync.Mutex
	undos := map[string]undoSeen{}
	undoFor := func(name string) func(ctx context.Context, ev *event.Event) error {
		return func(ctx context.Context, ev *event.Event) error {
			fet, _ := ev.Payload.GetString("failed_event_type")
			fs, _ := ev.Payload.GetInt("failed_step")
			reason, _ := ev.Payload.GetString("reason")
			mu.Lock()
			undos[name] = undoSeen{
				failedEventType: fet,
				failedStep:      fs,
				reason:          reason,
				stepNumber:      ev.StepNumber,
				compensating:    ev.IsCompensating,
			}
			mu.Unlock()
			return nil
		}
	}
	if err := h.listener.OnUndo(UndoBinding{
		EventType: "StockReleased", StepNumber: 1, StepName: "reserve_stock", Undo: undoFor("reserve_stock"),
	}); err != nil {
		t.Fatalf("OnUndo: %v", err)
	}
	if err := h.listener.OnUndo(UndoBinding{
		EventType: "OrderCancelled", StepNumber: 0, StepName: "create_order", Undo: undoFor("create_order"),
	}); err != nil {
		t.Fatalf("OnUndo: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 3,
		First:      firstEvent(t, "OrderCreated", "order-2"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	eventually(t, func() bool {
		cur, err := h.store.Get(context.Background(), st.SagaID)
		return err == nil && cur.Status == StatusCompensated
	})

	// Compensating events go out newest step first.
	want := "OrderCreated,StockReserved,PaymentRequested,StockReleased,OrderCancelled"
	if got := strings.Join(h.pub.types(), ","); got != want {
		t.Errorf("published = %s, want %s", got, want)
	}

	mu.Lock()
	for name, step := range map[string]int{"reserve_stock": 1, "create_order": 0} {
		seen, ok := undos[name]
		if !ok {
			t.Errorf("undo %s never ran", name)
			continue
		}
		if !seen.compensating || seen.stepNumber != step {
			t.Errorf("undo %s = %+v", name, seen)
		}
		if seen.failedEventType != "PaymentRequested" || seen.failedStep != 2 {
			t.Errorf("undo %s failure fields = %+v", name, seen)
		}
		if !strings.Contains(seen.reason, "card declined") {
			t.Errorf("undo %s reason = %q", name, seen.reason)
		}
	}
	mu.Unlock()

	final, _ := h.store.Get(context.Background(), st.SagaID)
	for i, wantStatus := range map[int]StepStatus{0: StepCompensated, 1: StepCompensated, 2: StepFailed} {
		if rec, _ := final.Step(i); rec.Status != wantStatus {
			t.Errorf("step %d = %s, want %s", i, rec.Status, wantStatus)
		}
	}

	found := false
	for _, entry := range h.failures.all() {
		if entry.stage == "saga_step" && entry.eventType == "PaymentRequested" {
			found = true
			if !strings.Contains(entry.cause, "card declined") {
				t.Errorf("failure cause = %q", entry.cause)
			}
		}
	}
	if !found {
		t.Errorf("failure sink entries = %+v", h.failures.all())
	}
	if metrics.stats().compensated != 1 {
		t.Errorf("metrics = %+v", metrics.stats())
	}
}

func TestListener_FirstStepFailureCompensatesNothing(t *testing.T) {
	h := newChoreoHarness(t, nil)

	if err := h.routes.Register("OrderCreated", "OrderCancelled", "order"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := h.listener.OnStep(StepBinding{
		EventType:     "OrderCreated",
		StepNumber:    0,
		StepName:      "create_order",
		NextEventType: "StockReserved",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return nil, resilience.InsufficientStock("sku out of stock")
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 2,
		First:      firstEvent(t, "OrderCreated", "order-3"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	eventually(t, func() bool {
		cur, err := h.store.Get(context.Background(), st.SagaID)
		return err == nil && cur.Status == StatusCompensated
	})

	// Nothing completed, so no compensating events go out.
	if got := strings.Join(h.pub.types(), ","); got != "OrderCreated" {
		t.Errorf("published = %s", got)
	}
	final, _ := h.store.Get(context.Background(), st.SagaID)
	rec, _ := final.Step(0)
	if rec.Status != StepFailed || !strings.Contains(rec.FailureReason, "sku out of stock") {
		t.Errorf("step 0 = %+v", rec)
	}
}

func TestListener_DuplicateEventSkipped(t *testing.T) {
	guard := &fakeGuard{}
	h := newChoreoHarness(t, guard)

	if err := h.routes.MarkTerminal("OrderCreated"); err != nil {
		t.Fatalf("terminal: %v", err)
	}
	var calls atomic.Int32
	if err := h.listener.OnStep(StepBinding{
		EventType:  "OrderCreated",
		StepNumber: 0,
		StepName:   "create_order",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			calls.Add(1)
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 1,
		First:      firstEvent(t, "OrderCreated", "order-4"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	eventually(t, func() bool {
		cur, err := h.store.Get(context.Background(), st.SagaID)
		return err == nil && cur.Status == StatusCompleted
	})

	// Redeliver the exact event the saga started with.
	h.pub.mu.Lock()
	dup := h.pub.events[0].Clone()
	h.pub.mu.Unlock()
	if err := h.bus.Publish(context.Background(), dup); err != nil {
		t.Fatalf("republish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestListener_UndoFailureLeavesSagaCompensating(t *testing.T) {
	h := newChoreoHarness(t, nil)
	metrics := &sagaMetricsCapture{}
	h.listener.SetMetrics(metrics)

	if err := h.routes.Register("OrderCreated", "OrderCancelled", "order"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := h.routes.Register("StockReserved", "StockReleased", "inventory"); err != nil {
		t.Fatalf("route: %v", err)
	}

	if err := h.listener.OnStep(StepBinding{
		EventType:     "OrderCreated",
		StepNumber:    0,
		StepName:      "create_order",
		NextEventType: "StockReserved",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if err := h.listener.OnStep(StepBinding{
		EventType:  "StockReserved",
		StepNumber: 1,
		StepName:   "reserve_stock",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			return nil, resilience.InsufficientStock("sku out of stock")
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if err := h.listener.OnUndo(UndoBinding{
		EventType:  "OrderCancelled",
		StepNumber: 0,
		StepName:   "create_order",
		Undo: func(ctx context.Context, ev *event.Event) error {
			return resilience.ValidationFailed("order already shipped")
		},
	}); err != nil {
		t.Fatalf("OnUndo: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 2,
		First:      firstEvent(t, "OrderCreated", "order-5"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	eventually(t, func() bool {
		cur, err := h.store.Get(context.Background(), st.SagaID)
		if err != nil {
			return false
		}
		rec, ok := cur.Step(0)
		return ok && strings.Contains(rec.FailureReason, "compensation failed")
	})

	// Undo is not retried, the saga stays COMPENSATING for the timeout
	// detector to expire.
	final, _ := h.store.Get(context.Background(), st.SagaID)
	if final.Status != StatusCompensating {
		t.Errorf("status = %s", final.Status)
	}
	rec, _ := final.Step(0)
	if rec.Status != StepCompleted {
		t.Errorf("step 0 = %s", rec.Status)
	}
	if metrics.stats().compensationFailed != 1 {
		t.Errorf("metrics = %+v", metrics.stats())
	}

	found := false
	for _, entry := range h.failures.all() {
		if entry.stage == "saga_undo" && entry.eventType == "OrderCancelled" {
			found = true
		}
	}
	if !found {
		t.Errorf("failure sink entries = %+v", h.failures.all())
	}
}

func TestListener_SuppressesForwardWhenCompensating(t *testing.T) {
	h := newChoreoHarness(t, nil)

	if err := h.routes.Register("OrderCreated", "OrderCancelled", "order"); err != nil {
		t.Fatalf("route: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	if err := h.listener.OnStep(StepBinding{
		EventType:     "OrderCreated",
		StepNumber:    0,
		StepName:      "create_order",
		NextEventType: "StockReserved",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			close(entered)
			<-release
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}

	st, err := h.listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 2,
		First:      firstEvent(t, "OrderCreated", "order-6"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("step handler never ran")
	}
	// The saga is moved off the forward path while the step is mid
	// flight, the listener must not publish the next event.
	if _, err := h.store.UpdateStatus(context.Background(), st.SagaID, StatusCompensating); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	close(release)

	time.Sleep(50 * time.Millisecond)
	if got := strings.Join(h.pub.types(), ","); got != "OrderCreated" {
		t.Errorf("published = %s", got)
	}
	final, _ := h.store.Get(context.Background(), st.SagaID)
	if final.Status != StatusCompensating {
		t.Errorf("status = %s", final.Status)
	}
}

func TestListener_StepRetriesUnderResilience(t *testing.T) {
	store := newTestStore(t)
	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	b, err := bus.New(transport, nil, bus.Config{Service: "orders"})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}

	registry := resilience.NewRegistry(resilience.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 3, WaitDuration: time.Millisecond, Multiplier: 1},
	})
	routes := NewCompensationRegistry()
	if err := routes.MarkTerminal("OrderCreated"); err != nil {
		t.Fatalf("terminal: %v", err)
	}
	listener, err := NewListener(ListenerConfig{
		Service:    "orders",
		Store:      store,
		Bus:        b,
		Routes:     routes,
		Resilience: registry,
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	var calls atomic.Int32
	if err := listener.OnStep(StepBinding{
		EventType:  "OrderCreated",
		StepNumber: 0,
		StepName:   "create_order",
		Handle: func(ctx context.Context, ev *event.Event) (*event.Record, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("connection reset")
			}
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}

	st, err := listener.StartSaga(context.Background(), ChoreographyStart{
		SagaType:   "OrderFulfillment",
		TotalSteps: 1,
		First:      firstEvent(t, "OrderCreated", "order-7"),
	})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	eventually(t, func() bool {
		cur, err := store.Get(context.Background(), st.SagaID)
		return err == nil && cur.Status == StatusCompleted
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestListener_Validation(t *testing.T) {
	store := newTestStore(t)
	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	b, err := bus.New(transport, nil, bus.Config{Service: "orders"})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	routes := NewCompensationRegistry()

	bad := []ListenerConfig{
		{Store: store, Bus: b, Routes: routes},
		{Service: "orders", Bus: b, Routes: routes},
		{Service: "orders", Store: store, Routes: routes},
		{Service: "orders", Store: store, Bus: b},
	}
	for i, cfg := range bad {
		if _, err := NewListener(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}

	l, err := NewListener(ListenerConfig{Service: "orders", Store: store, Bus: b, Routes: routes})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.OnStep(StepBinding{EventType: "A"}); err == nil {
		t.Error("expected error for incomplete step binding")
	}
	handle := func(ctx context.Context, ev *event.Event) (*event.Record, error) { return nil, nil }
	if err := l.OnStep(StepBinding{EventType: "A", StepName: "a", Handle: handle}); err != nil {
		t.Fatalf("OnStep: %v", err)
	}
	if err := l.OnStep(StepBinding{EventType: "A", StepName: "a2", Handle: handle}); err == nil {
		t.Error("expected error for duplicate step binding")
	}
	if err := l.OnUndo(UndoBinding{EventType: "B"}); err == nil {
		t.Error("expected error for incomplete undo binding")
	}

	ctx := context.Background()
	if _, err := l.StartSaga(ctx, ChoreographyStart{TotalSteps: 1, First: firstEvent(t, "A", "k")}); err == nil {
		t.Error("expected error for missing saga type")
	}
	if _, err := l.StartSaga(ctx, ChoreographyStart{SagaType: "S", First: firstEvent(t, "A", "k")}); err == nil {
		t.Error("expected error for zero total steps")
	}
	if _, err := l.StartSaga(ctx, ChoreographyStart{SagaType: "S", TotalSteps: 1}); err == nil {
		t.Error("expected error for nil first event")
	}
}
