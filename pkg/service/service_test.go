package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eventra/eventra/config"
	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/persistence"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func testConfig(name string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Service.Name = name
	cfg.Service.Domain = "shop"
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.SweepInterval = 20 * time.Millisecond
	cfg.Pipeline.CompletionTimeout = 2 * time.Second
	cfg.Outbox.PollIntervalMs = 20
	cfg.Outbox.StaleClaimMs = 2000
	cfg.Idempotency.TTL = time.Minute
	return cfg
}

// testRegistry registers BalanceChanged: the view keeps a running sum
// of payload deltas.
func testRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()
	err := reg.Register(event.Definition{
		EventType: "BalanceChanged",
		Required:  []string{"delta"},
	}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		delta, _ := ev.Payload.GetFloat("delta")
		balance := 0.0
		if current != nil {
			balance, _ = current.GetFloat("balance")
		}
		return event.NewRecord("account").Set("balance", balance+delta), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func newTestRuntime(t *testing.T, cfg *config.Config, db *persistence.DB) (*Runtime, *bus.Bus) {
	t.Helper()
	engine := grid.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	return newTestRuntimeOn(t, cfg, engine, db)
}

func newTestRuntimeOn(t *testing.T, cfg *config.Config, engine grid.Engine, db *persistence.DB) (*Runtime, *bus.Bus) {
	t.Helper()
	reg := testRegistry(t)
	b, err := bus.New(bus.NewMemoryTransport(), reg, bus.Config{Service: cfg.Service.Name})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	rt, err := New(cfg, Deps{Engine: engine, Bus: b, Registry: reg, DB: db})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })
	return rt, b
}

func submitBalance(t *testing.T, rt *Runtime, key string, delta float64) event.CompletionInfo {
	t.Helper()
	ev, err := event.New(event.NewEventInput{
		EventType: "BalanceChanged",
		EntityKey: key,
		Payload:   event.NewRecord("account").Set("delta", delta),
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	fut, err := rt.HandleEvent(context.Background(), ev, "", nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	info, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return info
}

func TestRuntimeProcessesSubmittedEvent(t *testing.T) {
	rt, b := newTestRuntime(t, testConfig("accounts"), nil)

	var mu sync.Mutex
	var received []*event.Event
	sub, err := b.Subscribe("BalanceChanged", func(ctx context.Context, ev *event.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	info := submitBalance(t, rt, "acct-1", 5)
	if !info.Succeeded() {
		t.Fatalf("outcome = %s, want PROCESSED (stage=%s err=%s)", info.Outcome, info.Stage, info.Error)
	}

	rec, ok, err := rt.Views().Get(context.Background(), "acct-1")
	if err != nil || !ok {
		t.Fatalf("view get: ok=%v err=%v", ok, err)
	}
	if balance, _ := rec.GetFloat("balance"); balance != 5 {
		t.Fatalf("balance = %v, want 5", balance)
	}

	// Delivery rides the outbox relay, so it lags the completion.
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.EventID != info.EventID {
		t.Fatalf("published event id = %s, want %s", got.EventID, info.EventID)
	}
	if got.Source != "accounts" {
		t.Fatalf("source = %s, want accounts", got.Source)
	}
}

func TestRuntimePerEntityOrdering(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig("accounts"), nil)

	const n = 25
	for i := 0; i < n; i++ {
		if info := submitBalance(t, rt, "acct-9", 1); !info.Succeeded() {
			t.Fatalf("event %d outcome = %s", i, info.Outcome)
		}
	}

	rec, ok, err := rt.Views().Get(context.Background(), "acct-9")
	if err != nil || !ok {
		t.Fatalf("view get: ok=%v err=%v", ok, err)
	}
	if balance, _ := rec.GetFloat("balance"); balance != n {
		t.Fatalf("balance = %v, want %d", balance, n)
	}

	stored, err := rt.Journal().ForEntity(context.Background(), "acct-9")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(stored) != n {
		t.Fatalf("journal entries = %d, want %d", len(stored), n)
	}
	for i := 1; i < len(stored); i++ {
		if stored[i].Key.Sequence <= stored[i-1].Key.Sequence {
			t.Fatalf("journal out of order at %d: %d after %d",
				i, stored[i].Key.Sequence, stored[i-1].Key.Sequence)
		}
	}
}

func TestRuntimeDirectPublishWithoutOutbox(t *testing.T) {
	cfg := testConfig("accounts")
	cfg.Outbox.Enabled = false
	rt, b := newTestRuntime(t, cfg, nil)
	if rt.Outbox() != nil || rt.Relay() != nil {
		t.Fatal("outbox built despite being disabled")
	}

	done := make(chan string, 1)
	sub, err := b.Subscribe("BalanceChanged", func(ctx context.Context, ev *event.Event) {
		done <- ev.EventID
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	info := submitBalance(t, rt, "acct-2", 1)
	select {
	case id := <-done:
		if id != info.EventID {
			t.Fatalf("published %s, want %s", id, info.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}

func TestRuntimeGuardSuppressesDuplicates(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig("accounts"), nil)
	guard := rt.Guard()
	if guard == nil {
		t.Fatal("guard not built")
	}

	first, err := guard.TryProcess(context.Background(), "evt-dup")
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := guard.TryProcess(context.Background(), "evt-dup")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatal("duplicate delivery not suppressed")
	}
}

func TestRuntimePersistenceSurvivesRestart(t *testing.T) {
	db, err := persistence.Open("file:service_restart?mode=memory")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig("accounts")
	cfg.Persistence.Enabled = true
	cfg.Persistence.WriteDelaySeconds = 1
	cfg.EventStoreEviction.Enabled = true
	cfg.EventStoreEviction.MaxSize = 8
	cfg.ViewStoreEviction.Enabled = true
	cfg.ViewStoreEviction.MaxSize = 8

	engine := grid.NewMemoryEngine()
	rt, _ := newTestRuntimeOn(t, cfg, engine, db)

	const n = 20
	var lastID string
	for i := 0; i < n; i++ {
		info := submitBalance(t, rt, fmt.Sprintf("acct-%02d", i), float64(i))
		if !info.Succeeded() {
			t.Fatalf("event %d outcome = %s", i, info.Outcome)
		}
		lastID = info.EventID
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	engine.Close()

	// Cold start: empty hot cache, same backing store.
	rt2, _ := newTestRuntimeOn(t, cfg, grid.NewMemoryEngine(), db)

	rec, ok, err := rt2.Views().Get(context.Background(), "acct-07")
	if err != nil || !ok {
		t.Fatalf("view after restart: ok=%v err=%v", ok, err)
	}
	if balance, _ := rec.GetFloat("balance"); balance != 7 {
		t.Fatalf("balance = %v, want 7", balance)
	}

	stored, err := rt2.Journal().ForEntity(context.Background(), fmt.Sprintf("acct-%02d", n-1))
	if err != nil {
		t.Fatalf("journal after restart: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(stored))
	}
	if stored[0].Event.EventID != lastID {
		t.Fatalf("event id = %s, want %s", stored[0].Event.EventID, lastID)
	}
	if delta, _ := stored[0].Event.Payload.GetFloat("delta"); delta != n-1 {
		t.Fatalf("payload delta = %v, want %d", delta, n-1)
	}
}
