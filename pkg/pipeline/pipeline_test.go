package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/eventstore"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/view"
)

type capturePublisher struct {
	mu       sync.Mutex
	events   []*event.Event
	failures int
}

func (p *capturePublisher) Publish(ctx context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("publish unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) published() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Event, len(p.events))
	copy(out, p.events)
	return out
}

type captureSink struct {
	mu      sync.Mutex
	entries []string
	stages  []string
}

func (s *captureSink) Add(ctx context.Context, ev *event.Event, stage string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, ev.EventID)
	s.stages = append(s.stages, stage)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type testRig struct {
	engine      *Engine
	pending     grid.Map
	completions grid.Map
	journal     *eventstore.Store
	views       *view.Store
	publisher   *capturePublisher
	sink        *captureSink
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	mem := grid.NewMemoryEngine()
	t.Cleanup(func() { mem.Close() })

	pending, err := mem.Map("orders" + PendingMapSuffix)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	completions, err := mem.Map("orders" + CompletionMapSuffix)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	esMap, err := mem.Map("orders" + eventstore.MapSuffix)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	viewMap, err := mem.Map("orders" + view.MapSuffix)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	registry := event.NewRegistry()
	err = registry.Register(event.Definition{EventType: "OrderPlaced"}, func(current *event.Record, ev *event.Event) (*event.Record, error) {
		n := int64(0)
		if current != nil {
			n, _ = current.GetInt("applied")
		}
		return event.NewRecord("order").Set("applied", n+1), nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	journal := eventstore.NewStore(esMap)
	views := view.NewStore(viewMap, registry, journal)
	publisher := &capturePublisher{}
	sink := &captureSink{}

	engine, err := NewEngine("orders", cfg, Deps{
		Pending:     pending,
		Completions: completions,
		Journal:     journal,
		Views:       views,
		Publisher:   publisher,
		DeadLetters: sink,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Stop)

	return &testRig{
		engine:      engine,
		pending:     pending,
		completions: completions,
		journal:     journal,
		views:       views,
		publisher:   publisher,
		sink:        sink,
	}
}

func newEntry(t *testing.T, seq uint64, entityKey string) Entry {
	t.Helper()
	ev, err := event.New(event.NewEventInput{
		EventType: "OrderPlaced",
		EntityKey: entityKey,
		Payload:   event.NewRecord("order").Set("seq", seq),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ev.SubmittedAt = time.Now().UTC()
	return Entry{Key: event.NewKey(seq, entityKey), Event: ev}
}

func writePending(t *testing.T, rig *testRig, entry Entry) {
	t.Helper()
	data, err := event.Marshal(entry.Event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := rig.pending.Put(context.Background(), entry.Key.JournalKey(), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine("", Config{}, Deps{}); err == nil {
		t.Error("expected error for empty service name")
	}
	if _, err := NewEngine("orders", Config{}, Deps{}); err == nil {
		t.Error("expected error for missing maps")
	}
}

func TestEngine_ProcessesSweptEntry(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 20 * time.Millisecond})
	ctx := context.Background()

	entry := newEntry(t, 1, "order-1")
	writePending(t, rig, entry)
	rig.engine.Start()

	waitUntil(t, 2*time.Second, func() bool {
		_, ok, _ := rig.completions.Get(ctx, entry.Key.JournalKey())
		return ok
	})

	if _, ok, _ := rig.journal.Get(ctx, entry.Key); !ok {
		t.Error("event not persisted to journal")
	}
	rec, ok, err := rig.views.Get(ctx, "order-1")
	if err != nil || !ok {
		t.Fatalf("view record = %v, %v", ok, err)
	}
	if n, _ := rec.GetInt("applied"); n != 1 {
		t.Errorf("view applied = %d, want 1", n)
	}
	if got := rig.publisher.published(); len(got) != 1 {
		t.Errorf("published %d events, want 1", len(got))
	}
	if _, ok, _ := rig.pending.Get(ctx, entry.Key.JournalKey()); ok {
		t.Error("pending entry not removed after completion")
	}

	data, ok, err := rig.completions.Get(ctx, entry.Key.JournalKey())
	if err != nil || !ok {
		t.Fatalf("completion = %v, %v", ok, err)
	}
	info, err := event.UnmarshalCompletion(data)
	if err != nil {
		t.Fatalf("UnmarshalCompletion failed: %v", err)
	}
	if info.Outcome != event.OutcomeProcessed {
		t.Errorf("outcome = %s, want %s", info.Outcome, event.OutcomeProcessed)
	}
	if !info.Succeeded() {
		t.Error("completion not marked successful")
	}
}

func TestEngine_NotifyFastPath(t *testing.T) {
	// Sweep far in the future, only Notify can deliver.
	rig := newTestRig(t, Config{SweepInterval: time.Hour})
	rig.engine.Start()

	entry := newEntry(t, 1, "order-1")
	writePending(t, rig, entry)
	if !rig.engine.Notify(entry) {
		t.Fatal("Notify rejected entry")
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(rig.publisher.published()) == 1
	})

	if got := rig.engine.Stats().Processed; got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
}

func TestEngine_Notify_BeforeStart(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: time.Hour})
	if rig.engine.Notify(newEntry(t, 1, "order-1")) {
		t.Error("Notify accepted entry before Start")
	}
}

func TestEngine_PerEntityOrdering(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: time.Hour, Workers: 4})
	rig.engine.Start()

	const n = 20
	for seq := uint64(1); seq <= n; seq++ {
		entry := newEntry(t, seq, "order-1")
		writePending(t, rig, entry)
		if !rig.engine.Notify(entry) {
			t.Fatalf("Notify rejected sequence %d", seq)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(rig.publisher.published()) == n
	})

	var prev int64
	for i, ev := range rig.publisher.published() {
		seq, _ := ev.Payload.GetInt("seq")
		if seq <= prev {
			t.Fatalf("position %d: sequence %d not greater than %d", i, seq, prev)
		}
		prev = seq
	}
}

func TestEngine_LateNotifyDefersToOlderPending(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 20 * time.Millisecond})
	rig.engine.Start()

	first := newEntry(t, 1, "order-1")
	second := newEntry(t, 2, "order-1")
	writePending(t, rig, first)
	writePending(t, rig, second)

	// Only the later sequence takes the fast path, as if the first
	// Notify was dropped by a full queue. The older entry must still
	// be applied first.
	rig.engine.Notify(second)

	waitUntil(t, 2*time.Second, func() bool {
		return len(rig.publisher.published()) == 2
	})

	published := rig.publisher.published()
	for i, ev := range published {
		seq, _ := ev.Payload.GetInt("seq")
		if seq != int64(i+1) {
			t.Fatalf("position %d: sequence %d, want %d", i, seq, i+1)
		}
	}
}

func TestEngine_RedeliversFailedEntry(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 20 * time.Millisecond, MaxDeliveries: 5})
	rig.publisher.failures = 2
	ctx := context.Background()

	entry := newEntry(t, 1, "order-1")
	writePending(t, rig, entry)
	rig.engine.Start()

	waitUntil(t, 3*time.Second, func() bool {
		return len(rig.publisher.published()) == 1
	})

	stats := rig.engine.Stats()
	if stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", stats.Failed)
	}
	if stats.Redelivered < 2 {
		t.Errorf("redelivered = %d, want at least 2", stats.Redelivered)
	}
	if stats.DeadLettered != 0 {
		t.Errorf("dead lettered = %d, want 0", stats.DeadLettered)
	}
	if _, ok, _ := rig.pending.Get(ctx, entry.Key.JournalKey()); ok {
		t.Error("pending entry survived successful redelivery")
	}
}

func TestEngine_DeadLettersAfterMaxDeliveries(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 20 * time.Millisecond, MaxDeliveries: 2})
	rig.publisher.failures = 1000
	ctx := context.Background()

	entry := newEntry(t, 1, "order-1")
	writePending(t, rig, entry)
	rig.engine.Start()

	waitUntil(t, 3*time.Second, func() bool {
		return rig.sink.count() == 1
	})

	if stage := rig.sink.stages[0]; stage != StagePublish {
		t.Errorf("dead letter stage = %q, want %q", stage, StagePublish)
	}

	waitUntil(t, 2*time.Second, func() bool {
		_, ok, _ := rig.pending.Get(ctx, entry.Key.JournalKey())
		return !ok
	})

	data, ok, err := rig.completions.Get(ctx, entry.Key.JournalKey())
	if err != nil || !ok {
		t.Fatalf("completion = %v, %v", ok, err)
	}
	info, err := event.UnmarshalCompletion(data)
	if err != nil {
		t.Fatalf("UnmarshalCompletion failed: %v", err)
	}
	if info.Outcome != event.OutcomePipelineFailed {
		t.Errorf("outcome = %s, want %s", info.Outcome, event.OutcomePipelineFailed)
	}
	if info.Stage != StagePublish {
		t.Errorf("stage = %q, want %q", info.Stage, StagePublish)
	}
	if info.Error == "" {
		t.Error("completion missing error description")
	}
}

func TestEngine_CompletionCallback(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: time.Hour})

	var mu sync.Mutex
	var infos []event.CompletionInfo
	rig.engine.SetCompletionFunc(func(info event.CompletionInfo) {
		mu.Lock()
		infos = append(infos, info)
		mu.Unlock()
	})
	rig.engine.Start()

	entry := newEntry(t, 1, "order-1")
	writePending(t, rig, entry)
	rig.engine.Notify(entry)

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(infos) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if infos[0].EventID != entry.Event.EventID {
		t.Errorf("callback event id = %q, want %q", infos[0].EventID, entry.Event.EventID)
	}
	if infos[0].Key != entry.Key {
		t.Errorf("callback key = %v, want %v", infos[0].Key, entry.Key)
	}
}

func TestEngine_ParallelEntities(t *testing.T) {
	rig := newTestRig(t, Config{SweepInterval: 20 * time.Millisecond, Workers: 4})
	rig.engine.Start()

	const entities = 10
	for i := 0; i < entities; i++ {
		entry := newEntry(t, uint64(i+1), fmt.Sprintf("order-%d", i))
		writePending(t, rig, entry)
	}

	waitUntil(t, 3*time.Second, func() bool {
		return len(rig.publisher.published()) == entities
	})

	if stats := rig.engine.Stats(); stats.Processed != entities {
		t.Errorf("processed = %d, want %d", stats.Processed, entities)
	}
}
