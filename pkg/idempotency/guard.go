// Package idempotency suppresses replay-delivered duplicates. Delivery
// is at-least-once end to end, so every saga listener and orchestrator
// step claims the event id here before acting on it.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/logger"
)

// MapSuffix names a service's idempotency claim map.
const MapSuffix = "_IDEMPOTENCY"

// DefaultTTL bounds how long a claim suppresses duplicates.
const DefaultTTL = time.Hour

// Record is the stored claim for one delivered event id.
type Record struct {
	EventID   string    `json:"event_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// MetricsRecorder defines the interface for recording guard metrics.
type MetricsRecorder interface {
	RecordDuplicate(scope string)
}

// Config controls claim lifetime and metric labeling.
type Config struct {
	// TTL is how long a claim is held. Zero means DefaultTTL.
	TTL time.Duration
	// Scope labels suppressed duplicates, e.g. "listener" or "step".
	Scope string
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Scope: "handler"}
}

// Guard deduplicates deliveries by claiming event ids in a keyed map
// with a TTL.
type Guard struct {
	m       grid.Map
	ttl     time.Duration
	scope   string
	log     logger.Logger
	metrics MetricsRecorder
}

// NewGuard creates a guard over the given claim map.
func NewGuard(m grid.Map, cfg Config) (*Guard, error) {
	if m == nil {
		return nil, fmt.Errorf("idempotency: map cannot be nil")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("idempotency: ttl cannot be negative")
	}
	def := DefaultConfig()
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Scope == "" {
		cfg.Scope = def.Scope
	}
	return &Guard{
		m:       m,
		ttl:     cfg.TTL,
		scope:   cfg.Scope,
		log:     logger.Global().With("component", "idempotency", "map", m.Name()),
		metrics: &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the guard.
func (g *Guard) SetMetrics(m MetricsRecorder) {
	if m != nil {
		g.metrics = m
	}
}

// TryProcess claims the event id. True means first delivery and the
// caller proceeds; false with a nil error means a live claim exists
// and the caller must skip. On a storage error the claim state is
// unknown, callers should fail the delivery so it stays retryable.
func (g *Guard) TryProcess(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("idempotency: event id is required")
	}
	data, err := json.Marshal(Record{EventID: eventID, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal claim: %w", err)
	}

	inserted, err := g.m.PutIfAbsent(ctx, eventID, data, g.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s: %w", eventID, err)
	}
	if !inserted {
		g.metrics.RecordDuplicate(g.scope)
		g.log.Debug("suppressed duplicate delivery", "event_id", eventID)
		return false, nil
	}
	return true, nil
}

// Claim returns the stored claim for an event id, if one is live.
func (g *Guard) Claim(ctx context.Context, eventID string) (Record, bool, error) {
	data, ok, err := g.m.Get(ctx, eventID)
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: get claim %s: %w", eventID, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode claim %s: %w", eventID, err)
	}
	return rec, true, nil
}

// Release drops a claim so the event id can be claimed again. DLQ
// replay releases the original id before republishing.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("idempotency: event id is required")
	}
	if err := g.m.Delete(ctx, eventID); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", eventID, err)
	}
	return nil
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordDuplicate(scope string) {}
