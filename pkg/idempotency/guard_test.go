package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eventra/eventra/pkg/grid"
)

type captureMetrics struct {
	mu     sync.Mutex
	scopes []string
}

func (m *captureMetrics) RecordDuplicate(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = append(m.scopes, scope)
}

func newTestGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	engine := grid.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	m, err := engine.Map("orders" + MapSuffix)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	g, err := NewGuard(m, cfg)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	return g
}

func TestNewGuard_Validation(t *testing.T) {
	if _, err := NewGuard(nil, Config{}); err == nil {
		t.Error("expected error for nil map")
	}

	engine := grid.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	m, err := engine.Map("orders" + MapSuffix)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if _, err := NewGuard(m, Config{TTL: -time.Second}); err == nil {
		t.Error("expected error for negative ttl")
	}

	g, err := NewGuard(m, Config{})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	if g.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", g.ttl, DefaultTTL)
	}
	if g.scope != "handler" {
		t.Errorf("scope = %q, want handler", g.scope)
	}
}

func TestTryProcess_FirstDeliveryWins(t *testing.T) {
	g := newTestGuard(t, Config{})
	ctx := context.Background()

	ok, err := g.TryProcess(ctx, "ev-1")
	if err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if !ok {
		t.Fatal("first delivery reported as duplicate")
	}

	ok, err = g.TryProcess(ctx, "ev-1")
	if err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if ok {
		t.Fatal("second delivery not suppressed")
	}

	ok, err = g.TryProcess(ctx, "ev-2")
	if err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if !ok {
		t.Fatal("unrelated event id suppressed")
	}
}

func TestTryProcess_Validation(t *testing.T) {
	g := newTestGuard(t, Config{})
	if _, err := g.TryProcess(context.Background(), ""); err == nil {
		t.Error("expected error for empty event id")
	}
}

func TestTryProcess_ExpiredClaim(t *testing.T) {
	g := newTestGuard(t, Config{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	if ok, err := g.TryProcess(ctx, "ev-1"); err != nil || !ok {
		t.Fatalf("TryProcess = %v, %v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)

	ok, err := g.TryProcess(ctx, "ev-1")
	if err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if !ok {
		t.Fatal("expired claim still suppresses delivery")
	}
}

func TestTryProcess_RecordsDuplicateMetric(t *testing.T) {
	g := newTestGuard(t, Config{Scope: "listener"})
	metrics := &captureMetrics{}
	g.SetMetrics(metrics)
	ctx := context.Background()

	if _, err := g.TryProcess(ctx, "ev-1"); err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if _, err := g.TryProcess(ctx, "ev-1"); err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.scopes) != 1 || metrics.scopes[0] != "listener" {
		t.Errorf("recorded scopes = %v, want [listener]", metrics.scopes)
	}
}

func TestClaim(t *testing.T) {
	g := newTestGuard(t, Config{})
	ctx := context.Background()

	if _, ok, err := g.Claim(ctx, "ev-1"); err != nil || ok {
		t.Fatalf("Claim before insert = %v, %v", ok, err)
	}

	before := time.Now().UTC()
	if _, err := g.TryProcess(ctx, "ev-1"); err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}

	rec, ok, err := g.Claim(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("claim not found after TryProcess")
	}
	if rec.EventID != "ev-1" {
		t.Errorf("event id = %q, want ev-1", rec.EventID)
	}
	if rec.ClaimedAt.Before(before.Add(-time.Second)) {
		t.Errorf("claimed at = %v, want near %v", rec.ClaimedAt, before)
	}
}

func TestRelease(t *testing.T) {
	g := newTestGuard(t, Config{})
	ctx := context.Background()

	if err := g.Release(ctx, ""); err == nil {
		t.Error("expected error for empty event id")
	}

	if _, err := g.TryProcess(ctx, "ev-1"); err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if err := g.Release(ctx, "ev-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, err := g.TryProcess(ctx, "ev-1")
	if err != nil {
		t.Fatalf("TryProcess failed: %v", err)
	}
	if !ok {
		t.Fatal("released claim still suppresses delivery")
	}
}

func TestTryProcess_Concurrent(t *testing.T) {
	g := newTestGuard(t, Config{})
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.TryProcess(ctx, "ev-contended")
			if err != nil {
				t.Errorf("TryProcess failed: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("claim won by %d goroutines, want exactly 1", won)
	}
}
