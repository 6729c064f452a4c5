package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventra/eventra/pkg/event"
)

type stubPublisher struct {
	mu       sync.Mutex
	events   []*event.Event
	failures int
}

func (p *stubPublisher) Publish(ctx context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("bus unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *stubPublisher) published() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Event, len(p.events))
	copy(out, p.events)
	return out
}

type releaseRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *releaseRecorder) Release(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, eventID)
	return nil
}

func (r *releaseRecorder) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func TestNewReplayer_Validation(t *testing.T) {
	if _, err := NewReplayer(nil, &stubPublisher{}, nil, 3); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewReplayer(NewMemoryStore(), nil, nil, 3); err == nil {
		t.Error("expected error for nil publisher")
	}
	r, err := NewReplayer(NewMemoryStore(), &stubPublisher{}, nil, 0)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	if r.limit != DefaultReplayLimit {
		t.Errorf("limit = %d, want default %d", r.limit, DefaultReplayLimit)
	}
}

func TestReplay_Republishes(t *testing.T) {
	store := NewMemoryStore()
	pub := &stubPublisher{}
	rel := &releaseRecorder{}
	r, err := NewReplayer(store, pub, rel, 3)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	m := &captureDLQMetrics{}
	r.SetMetrics(m)
	ctx := context.Background()

	if err := store.Add(ctx, seedEntry(t, "ev-1", "OrderPlaced", time.Now().UTC())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Replay(ctx, "ev-1"); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	got := pub.published()
	if len(got) != 1 || got[0].EventID != "ev-1" || got[0].EventType != "OrderPlaced" {
		t.Fatalf("published = %+v", got)
	}
	if ids := rel.released(); len(ids) != 1 || ids[0] != "ev-1" {
		t.Errorf("released claims = %v, want [ev-1]", ids)
	}
	if replays := m.replayed(); len(replays) != 1 || replays[0] != "delivered" {
		t.Errorf("replay metric = %v, want [delivered]", replays)
	}

	entry, err := store.Get(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.ReplayAttempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.ReplayAttempts)
	}
}

func TestReplay_FailureStillCountsAttempt(t *testing.T) {
	store := NewMemoryStore()
	pub := &stubPublisher{failures: 1}
	r, err := NewReplayer(store, pub, nil, 3)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	m := &captureDLQMetrics{}
	r.SetMetrics(m)
	ctx := context.Background()

	if err := store.Add(ctx, seedEntry(t, "ev-1", "OrderPlaced", time.Now().UTC())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Replay(ctx, "ev-1"); err == nil {
		t.Fatal("expected publish failure to surface")
	}

	entry, err := store.Get(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.ReplayAttempts != 1 {
		t.Errorf("attempts = %d, failed replays still count", entry.ReplayAttempts)
	}
	if replays := m.replayed(); len(replays) != 1 || replays[0] != "failed" {
		t.Errorf("replay metric = %v, want [failed]", replays)
	}

	if err := r.Replay(ctx, "ev-1"); err != nil {
		t.Fatalf("second Replay failed: %v", err)
	}
	if got := pub.published(); len(got) != 1 {
		t.Errorf("published = %d events, want 1", len(got))
	}
}

func TestReplay_CapEnforced(t *testing.T) {
	store := NewMemoryStore()
	r, err := NewReplayer(store, &stubPublisher{}, nil, 2)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Add(ctx, seedEntry(t, "ev-1", "OrderPlaced", time.Now().UTC())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Replay(ctx, "ev-1"); err != nil {
			t.Fatalf("replay %d failed: %v", i+1, err)
		}
	}
	if err := r.Replay(ctx, "ev-1"); !errors.Is(err, ErrReplayLimit) {
		t.Errorf("replay past cap = %v, want ErrReplayLimit", err)
	}
}

func TestReplay_NotFound(t *testing.T) {
	r, err := NewReplayer(NewMemoryStore(), &stubPublisher{}, nil, 3)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	if err := r.Replay(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Replay missing = %v, want ErrNotFound", err)
	}
}

func TestDiscard_RemovesEntry(t *testing.T) {
	store := NewMemoryStore()
	r, err := NewReplayer(store, &stubPublisher{}, nil, 3)
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	m := &captureDLQMetrics{}
	r.SetMetrics(m)
	m.SetDLQEntries(1)
	ctx := context.Background()

	if err := store.Add(ctx, seedEntry(t, "ev-1", "OrderPlaced", time.Now().UTC())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Discard(ctx, "ev-1"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, err := store.Get(ctx, "ev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after discard = %v, want ErrNotFound", err)
	}
	if m.gauge() != 0 {
		t.Errorf("gauge = %v, want 0", m.gauge())
	}
	if err := r.Discard(ctx, "ev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Discard = %v, want ErrNotFound", err)
	}
}
