package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/resilience"
	"github.com/eventra/eventra/pkg/saga"
)

// shop wires the four service runtimes of the reference deployment
// over one memory grid and one shared bus transport, plus the saga
// orchestrator and timeout detector they cooperate through.
type shop struct {
	t         *testing.T
	engine    *grid.MemoryEngine
	transport *bus.MemoryTransport
	registry  *event.Registry

	customer  *Runtime
	inventory *Runtime
	order     *Runtime
	payment   *Runtime

	sagas        *saga.StateStore
	orchestrator *saga.Orchestrator
	wrappers     *resilience.Registry

	// paymentCalls counts capture-payment executions.
	paymentCalls atomic.Int64
}

func shopRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()

	register := func(eventType string, required []string, apply event.Applier) {
		t.Helper()
		err := reg.Register(event.Definition{EventType: eventType, Required: required}, apply)
		if err != nil {
			t.Fatalf("register %s: %v", eventType, err)
		}
	}

	register("CustomerRegistered", []string{"name"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		name, _ := ev.Payload.GetString("name")
		return event.NewRecord("customer").Set("name", name).Set("notifications", int64(0)), nil
	})
	register("CustomerNotified", nil, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		if current == nil {
			return nil, fmt.Errorf("notify before registration")
		}
		n, _ := current.GetInt("notifications")
		return current.Set("notifications", n+1), nil
	})

	register("StockAdded", []string{"quantity"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		qty, _ := ev.Payload.GetInt("quantity")
		available := int64(0)
		reserved := int64(0)
		if current != nil {
			available, _ = current.GetInt("available")
			reserved, _ = current.GetInt("reserved")
		}
		return event.NewRecord("product").
			Set("available", available+qty).
			Set("reserved", reserved), nil
	})
	register("StockReserved", []string{"quantity"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		if current == nil {
			return nil, fmt.Errorf("reservation for unknown product")
		}
		qty, _ := ev.Payload.GetInt("quantity")
		reserved, _ := current.GetInt("reserved")
		return current.Set("reserved", reserved+qty), nil
	})
	register("StockReleased", []string{"quantity"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		if current == nil {
			return nil, fmt.Errorf("release for unknown product")
		}
		qty, _ := ev.Payload.GetInt("quantity")
		reserved, _ := current.GetInt("reserved")
		return current.Set("reserved", reserved-qty), nil
	})

	register("OrderCreated", []string{"customer_id", "product_id", "quantity", "total"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		customer, _ := ev.Payload.GetString("customer_id")
		product, _ := ev.Payload.GetString("product_id")
		qty, _ := ev.Payload.GetInt("quantity")
		total, _ := ev.Payload.GetFloat("total")
		return event.NewRecord("order").
			Set("status", "CREATED").
			Set("customer_id", customer).
			Set("product_id", product).
			Set("quantity", qty).
			Set("total", total), nil
	})
	register("OrderConfirmed", nil, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		if current == nil {
			return nil, fmt.Errorf("confirmation for unknown order")
		}
		return current.Set("status", "CONFIRMED"), nil
	})
	register("OrderCancelled", nil, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		if current == nil {
			return nil, fmt.Errorf("cancellation for unknown order")
		}
		return current.Set("status", "CANCELLED"), nil
	})

	register("PaymentCaptured", []string{"amount"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		amount, _ := ev.Payload.GetFloat("amount")
		return event.NewRecord("payment").
			Set("status", "CAPTURED").
			Set("amount", amount), nil
	})
	register("SagaTimedOut", nil, nil)

	return reg
}

func newShop(t *testing.T) *shop {
	t.Helper()
	s := &shop{
		t:         t,
		engine:    grid.NewMemoryEngine(),
		transport: bus.NewMemoryTransport(),
		registry:  shopRegistry(t),
		wrappers:  resilience.NewRegistry(resilience.DefaultConfig()),
	}
	t.Cleanup(func() { s.engine.Close() })

	for _, name := range []string{"customer", "inventory", "order", "payment"} {
		cfg := testConfig(name)
		b, err := bus.New(s.transport, s.registry, bus.Config{Service: name})
		if err != nil {
			t.Fatalf("bus %s: %v", name, err)
		}
		rt, err := New(cfg, Deps{Engine: s.engine, Bus: b, Registry: s.registry})
		if err != nil {
			t.Fatalf("runtime %s: %v", name, err)
		}
		if err := rt.Start(context.Background()); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
		t.Cleanup(func() { rt.Stop(context.Background()) })
		switch name {
		case "customer":
			s.customer = rt
		case "inventory":
			s.inventory = rt
		case "order":
			s.order = rt
		case "payment":
			s.payment = rt
		}
	}

	sagaMap, err := s.engine.Map("sagas")
	if err != nil {
		t.Fatalf("saga map: %v", err)
	}
	s.sagas = saga.NewStateStore(sagaMap)
	s.orchestrator, err = saga.NewOrchestrator("order", s.sagas, saga.OrchestratorConfig{MaxConcurrent: 8})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	if err := s.orchestrator.Register(s.fulfillmentDefinition(t)); err != nil {
		t.Fatalf("register definition: %v", err)
	}
	return s
}

// submit sends an event through a runtime and returns an error on any
// pipeline failure. Business rejections never travel this path.
func (s *shop) submit(ctx context.Context, rt *Runtime, eventType, entityKey string, payload *event.Record, meta *event.SagaMetadata) error {
	ev, err := event.New(event.NewEventInput{
		EventType: eventType,
		EntityKey: entityKey,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	fut, err := rt.HandleEvent(ctx, ev, "", meta)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	info, err := fut.Wait(wctx)
	if err != nil {
		return err
	}
	if !info.Succeeded() {
		return fmt.Errorf("%s not processed: %s %s", eventType, info.Outcome, info.Error)
	}
	return nil
}

func stepMeta(sc *saga.StepContext, sagaType string) *event.SagaMetadata {
	return &event.SagaMetadata{SagaID: sc.SagaID, SagaType: sagaType, StepNumber: sc.StepNumber}
}

func undoMeta(cc *saga.CompensationContext, sagaType string) *event.SagaMetadata {
	return &event.SagaMetadata{SagaID: cc.SagaID, SagaType: sagaType, StepNumber: cc.StepNumber, IsCompensating: true}
}

// fulfillmentDefinition builds the OrderFulfillment saga: place order,
// reserve stock, capture payment, confirm. The order and stock steps
// declare compensations; confirmation is terminal.
func (s *shop) fulfillmentDefinition(t *testing.T) *saga.Definition {
	const sagaType = "OrderFulfillment"

	def, err := saga.New(sagaType).
		WithTimeout(10*time.Second).
		Step("place-order",
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (map[string]any, error) {
				orderID, _ := sc.Context.GetString("order_id")
				customerID, _ := sc.Context.GetString("customer_id")
				productID, _ := sc.Context.GetString("product_id")
				qty, _ := sc.Context.GetInt("quantity")
				price, _ := sc.Context.GetFloat("unit_price")
				total := price * float64(qty)
				payload := event.NewRecord("order").
					Set("customer_id", customerID).
					Set("product_id", productID).
					Set("quantity", qty).
					Set("total", total)
				if err := s.submit(ctx, s.order, "OrderCreated", orderID, payload, stepMeta(sc, sagaType)); err != nil {
					return nil, err
				}
				return map[string]any{"total": total}, nil
			}),
			saga.Compensate(func(ctx context.Context, cc *saga.CompensationContext) error {
				orderID, _ := cc.Context.GetString("order_id")
				return s.submit(ctx, s.order, "OrderCancelled", orderID,
					event.NewRecord("order").Set("reason", cc.Cause.Error()), undoMeta(cc, sagaType))
			}),
		).
		Step("reserve-stock",
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (map[string]any, error) {
				productID, _ := sc.Context.GetString("product_id")
				qty, _ := sc.Context.GetInt("quantity")

				inst, err := s.wrappers.Instance("inventory-stock-reservation")
				if err != nil {
					return nil, err
				}
				err = inst.Execute(ctx, func(ctx context.Context) error {
					rec, ok, err := s.inventory.Views().Get(ctx, productID)
					if err != nil {
						return err
					}
					if !ok {
						return resilience.InsufficientStock("unknown product " + productID)
					}
					available, _ := rec.GetInt("available")
					reserved, _ := rec.GetInt("reserved")
					if reserved+qty > available {
						return resilience.InsufficientStock(
							fmt.Sprintf("product %s: %d requested, %d free", productID, qty, available-reserved))
					}
					return s.submit(ctx, s.inventory, "StockReserved", productID,
						event.NewRecord("product").Set("quantity", qty), stepMeta(sc, sagaType))
				})
				if err != nil {
					return nil, err
				}
				return nil, nil
			}),
			saga.Compensate(func(ctx context.Context, cc *saga.CompensationContext) error {
				productID, _ := cc.Context.GetString("product_id")
				qty, _ := cc.Context.GetInt("quantity")
				return s.submit(ctx, s.inventory, "StockReleased", productID,
					event.NewRecord("product").Set("quantity", qty), undoMeta(cc, sagaType))
			}),
		).
		Step("capture-payment",
			saga.StepTimeout(5*time.Second),
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (map[string]any, error) {
				s.paymentCalls.Add(1)
				orderID, _ := sc.Context.GetString("order_id")
				total, _ := sc.Context.GetFloat("total")
				if total > 10_000 {
					return nil, resilience.PaymentDeclined(
						fmt.Sprintf("order %s exceeds authorization limit", orderID))
				}
				err := s.submit(ctx, s.payment, "PaymentCaptured", "payment-"+orderID,
					event.NewRecord("payment").Set("amount", total), stepMeta(sc, sagaType))
				if err != nil {
					return nil, err
				}
				return nil, nil
			}),
		).
		Step("confirm-order",
			saga.Action(func(ctx context.Context, sc *saga.StepContext) (map[string]any, error) {
				orderID, _ := sc.Context.GetString("order_id")
				customerID, _ := sc.Context.GetString("customer_id")
				err := s.submit(ctx, s.order, "OrderConfirmed", orderID,
					event.NewRecord("order"), stepMeta(sc, sagaType))
				if err != nil {
					return nil, err
				}
				return nil, s.submit(ctx, s.customer, "CustomerNotified", customerID,
					event.NewRecord("customer").Set("order_id", orderID), stepMeta(sc, sagaType))
			}),
		).
		Build()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	return def
}

func (s *shop) seed(t *testing.T, customerID, productID string, stock int64) {
	t.Helper()
	ctx := context.Background()
	err := s.submit(ctx, s.customer, "CustomerRegistered", customerID,
		event.NewRecord("customer").Set("name", "Test Customer"), nil)
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	err = s.submit(ctx, s.inventory, "StockAdded", productID,
		event.NewRecord("product").Set("quantity", stock), nil)
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func (s *shop) placeOrder(t *testing.T, orderID, customerID, productID string, qty int64, price float64) *saga.Future {
	t.Helper()
	fut, err := s.orchestrator.Start(context.Background(), "OrderFulfillment", map[string]any{
		"order_id":    orderID,
		"customer_id": customerID,
		"product_id":  productID,
		"quantity":    qty,
		"unit_price":  price,
	}, "corr-"+orderID)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	return fut
}

func (s *shop) awaitSaga(t *testing.T, fut *saga.Future) saga.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := fut.Result(ctx)
	if err != nil {
		t.Fatalf("saga result: %v", err)
	}
	return res
}

func (s *shop) viewRecord(t *testing.T, rt *Runtime, key string) *event.Record {
	t.Helper()
	rec, ok, err := rt.Views().Get(context.Background(), key)
	if err != nil {
		t.Fatalf("view %s/%s: %v", rt.Name(), key, err)
	}
	if !ok {
		t.Fatalf("view %s/%s: no record", rt.Name(), key)
	}
	return rec
}

func (s *shop) reserved(t *testing.T, productID string) int64 {
	t.Helper()
	reserved, _ := s.viewRecord(t, s.inventory, productID).GetInt("reserved")
	return reserved
}

func (s *shop) orderStatus(t *testing.T, orderID string) string {
	t.Helper()
	status, _ := s.viewRecord(t, s.order, orderID).GetString("status")
	return status
}

func TestOrderFulfillmentHappyPath(t *testing.T) {
	s := newShop(t)
	s.seed(t, "C1", "P1", 100)

	fut := s.placeOrder(t, "O1", "C1", "P1", 2, 9.99)
	res := s.awaitSaga(t, fut)

	if res.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %s, want COMPLETED (err=%v)", res.Status, res.Err)
	}
	st, err := s.sagas.Get(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("saga state: %v", err)
	}
	if len(st.Steps) != 4 {
		t.Fatalf("step records = %d, want 4", len(st.Steps))
	}
	for _, step := range st.Steps {
		if step.Status != saga.StepCompleted {
			t.Fatalf("step %s status = %s, want COMPLETED", step.StepName, step.Status)
		}
	}
	if st.CompletedAt == nil || st.CompletedAt.IsZero() {
		t.Fatal("completedAt not set on terminal saga")
	}

	if got := s.reserved(t, "P1"); got != 2 {
		t.Fatalf("reserved = %d, want 2", got)
	}
	payment := s.viewRecord(t, s.payment, "payment-O1")
	if status, _ := payment.GetString("status"); status != "CAPTURED" {
		t.Fatalf("payment status = %s, want CAPTURED", status)
	}
	if amount, _ := payment.GetFloat("amount"); amount != 19.98 {
		t.Fatalf("payment amount = %v, want 19.98", amount)
	}
	if got := s.orderStatus(t, "O1"); got != "CONFIRMED" {
		t.Fatalf("order status = %s, want CONFIRMED", got)
	}
	if n, _ := s.viewRecord(t, s.customer, "C1").GetInt("notifications"); n != 1 {
		t.Fatalf("customer notifications = %d, want 1", n)
	}
}

func TestPaymentDeclineCompensatesInReverse(t *testing.T) {
	s := newShop(t)
	s.seed(t, "C1", "P1", 100)

	// 2 x 9000 = 18000 exceeds the authorization limit.
	fut := s.placeOrder(t, "O2", "C1", "P1", 2, 9_000)
	res := s.awaitSaga(t, fut)

	if res.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %s, want COMPENSATED", res.Status)
	}
	if res.FailedStep != "capture-payment" {
		t.Fatalf("failed step = %s, want capture-payment", res.FailedStep)
	}
	if code, ok := resilience.BusinessCode(res.Err); !ok || code != resilience.CodePaymentDeclined {
		t.Fatalf("saga error = %v, want payment_declined", res.Err)
	}

	st, err := s.sagas.Get(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("saga state: %v", err)
	}
	if step, _ := st.Step(2); step.Status != saga.StepFailed {
		t.Fatalf("capture-payment status = %s, want FAILED", step.Status)
	}
	for _, i := range []int{0, 1} {
		if step, _ := st.Step(i); step.Status != saga.StepCompensated {
			t.Fatalf("step %d status = %s, want COMPENSATED", i, step.Status)
		}
	}

	if got := s.reserved(t, "P1"); got != 0 {
		t.Fatalf("reserved = %d, want 0 after release", got)
	}
	if got := s.orderStatus(t, "O2"); got != "CANCELLED" {
		t.Fatalf("order status = %s, want CANCELLED", got)
	}
	if _, ok, err := s.payment.Views().Get(context.Background(), "payment-O2"); err != nil || ok {
		t.Fatalf("payment record exists = %v (err=%v), want none", ok, err)
	}
}

func TestStockOutShortCircuits(t *testing.T) {
	s := newShop(t)
	s.seed(t, "C1", "P2", 5)

	// Reserve everything up front so P2 has no free stock.
	err := s.submit(context.Background(), s.inventory, "StockReserved", "P2",
		event.NewRecord("product").Set("quantity", int64(5)), nil)
	if err != nil {
		t.Fatalf("pre-reserve: %v", err)
	}

	fut := s.placeOrder(t, "O3", "C1", "P2", 1, 4.50)
	res := s.awaitSaga(t, fut)

	if res.Status != saga.StatusCompensated {
		t.Fatalf("saga status = %s, want COMPENSATED", res.Status)
	}
	if code, ok := resilience.BusinessCode(res.Err); !ok || code != resilience.CodeInsufficientStock {
		t.Fatalf("saga error = %v, want insufficient_stock", res.Err)
	}

	st, err := s.sagas.Get(context.Background(), res.SagaID)
	if err != nil {
		t.Fatalf("saga state: %v", err)
	}
	if step, _ := st.Step(1); step.Status != saga.StepFailed {
		t.Fatalf("reserve-stock status = %s, want FAILED", step.Status)
	}
	if step, _ := st.Step(0); step.Status != saga.StepCompensated {
		t.Fatalf("place-order status = %s, want COMPENSATED", step.Status)
	}

	if got := s.paymentCalls.Load(); got != 0 {
		t.Fatalf("payment executed %d times, want 0", got)
	}
	if got := s.orderStatus(t, "O3"); got != "CANCELLED" {
		t.Fatalf("order status = %s, want CANCELLED", got)
	}
	// The pre-existing reservation stays; only the saga's own work is
	// undone, and it reserved nothing.
	if got := s.reserved(t, "P2"); got != 5 {
		t.Fatalf("reserved = %d, want 5", got)
	}
}

// TestAbandonedSagaTimesOutAndCompensates models a coordinator that
// crashed mid-saga: the order was placed and stock reserved, then
// nothing else happened. The detector must expire the saga, publish
// SagaTimedOut and run the compensation chain through the
// orchestrator.
func TestAbandonedSagaTimesOutAndCompensates(t *testing.T) {
	s := newShop(t)
	s.seed(t, "C1", "P1", 100)
	ctx := context.Background()

	err := s.submit(ctx, s.order, "OrderCreated", "O4", event.NewRecord("order").
		Set("customer_id", "C1").
		Set("product_id", "P1").
		Set("quantity", int64(3)).
		Set("total", 6.0), nil)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	err = s.submit(ctx, s.inventory, "StockReserved", "P1",
		event.NewRecord("product").Set("quantity", int64(3)), nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	st := saga.NewState("saga-O4", "OrderFulfillment", 4, time.Now().UTC().Add(-time.Second))
	st.CorrelationID = "corr-O4"
	st.MergeContext(map[string]any{
		"order_id":    "O4",
		"customer_id": "C1",
		"product_id":  "P1",
		"quantity":    int64(3),
		"total":       6.0,
	})
	now := time.Now().UTC()
	st.UpsertStep(saga.StepRecord{StepNumber: 0, StepName: "place-order", Status: saga.StepCompleted, Timestamp: now})
	st.UpsertStep(saga.StepRecord{StepNumber: 1, StepName: "reserve-stock", Status: saga.StepCompleted, Timestamp: now})
	st.UpsertStep(saga.StepRecord{StepNumber: 2, StepName: "capture-payment", Status: saga.StepPending, Timestamp: now})
	if err := s.sagas.Save(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	timedOut := make(chan string, 1)
	observer, err := bus.New(s.transport, s.registry, bus.Config{Service: "observer"})
	if err != nil {
		t.Fatalf("observer bus: %v", err)
	}
	sub, err := observer.Subscribe(saga.EventSagaTimedOut, func(ctx context.Context, ev *event.Event) {
		select {
		case timedOut <- ev.SagaID:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	detector, err := saga.NewDetector(s.sagas, saga.DetectorConfig{
		CheckInterval: 50 * time.Millisecond,
		MaxBatch:      10,
	}, saga.WithCompensator(s.orchestrator), saga.WithTimeoutPublisher(observer))
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	detector.Start()
	defer detector.Stop()

	select {
	case id := <-timedOut:
		if id != "saga-O4" {
			t.Fatalf("timed out saga = %s, want saga-O4", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SagaTimedOut event not observed")
	}

	eventually(t, func() bool {
		final, err := s.sagas.Get(context.Background(), "saga-O4")
		if err != nil || final.Status != saga.StatusTimedOut {
			return false
		}
		s0, _ := final.Step(0)
		s1, _ := final.Step(1)
		return s0.Status == saga.StepCompensated && s1.Status == saga.StepCompensated
	})

	if got := s.reserved(t, "P1"); got != 0 {
		t.Fatalf("reserved = %d, want 0 after timeout compensation", got)
	}
	if got := s.orderStatus(t, "O4"); got != "CANCELLED" {
		t.Fatalf("order status = %s, want CANCELLED", got)
	}
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	s := newShop(t)

	var handled atomic.Int64
	sub, err := s.inventory.Bus().Subscribe("StockReserved", func(ctx context.Context, ev *event.Event) {
		ok, err := s.inventory.Guard().TryProcess(ctx, ev.EventID)
		if err != nil {
			t.Errorf("guard: %v", err)
			return
		}
		if !ok {
			return // duplicate delivery
		}
		handled.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ev, err := event.New(event.NewEventInput{
		EventType: "StockReserved",
		EntityKey: "P1",
		Payload:   event.NewRecord("product").Set("quantity", int64(1)),
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.inventory.Bus().Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	eventually(t, func() bool { return handled.Load() >= 1 })
	time.Sleep(100 * time.Millisecond) // allow the duplicate to arrive
	if got := handled.Load(); got != 1 {
		t.Fatalf("handler invoked %d times, want 1", got)
	}
}

func TestConcurrentCompleteSagaIsIdempotent(t *testing.T) {
	s := newShop(t)
	st := saga.NewState("saga-idem", "OrderFulfillment", 1, time.Now().Add(time.Minute))
	if err := s.sagas.Save(context.Background(), st); err != nil {
		t.Fatalf("save: %v", err)
	}

	const callers = 8
	transitions := make(chan bool, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, advanced, err := s.sagas.CompleteSaga(context.Background(), "saga-idem", saga.StatusCompleted)
			transitions <- advanced
			errs <- err
		}()
	}
	advancedCount := 0
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("completeSaga: %v", err)
		}
		if <-transitions {
			advancedCount++
		}
	}
	if advancedCount != 1 {
		t.Fatalf("terminal transitions = %d, want exactly 1", advancedCount)
	}
	final, err := s.sagas.Get(context.Background(), "saga-idem")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != saga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	if final.CompletedAt == nil || final.CompletedAt.IsZero() {
		t.Fatal("completedAt not set")
	}
}
