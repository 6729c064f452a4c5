// Package outbox provides the durable hop between pipeline completion
// and bus publication. The pipeline's publish stage writes entries
// here, and a background relay claims and delivers them, so a bus
// outage stalls delivery instead of dropping events.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
)

// MapSuffix names a service's outbox map.
const MapSuffix = "_OUTBOX"

// Status is the delivery state of an outbox entry.
type Status string

// Entry statuses. Transitions are monotonic: PENDING moves to
// IN_FLIGHT under a claim token, and IN_FLIGHT resolves to DELIVERED,
// back to PENDING for a retry, or to FAILED on retry exhaustion.
const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Entry is one undelivered publication.
type Entry struct {
	EntryID          string          `json:"entry_id"`
	DestinationTopic string          `json:"destination_topic"`
	Payload          json.RawMessage `json:"payload"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ClaimToken       string          `json:"claim_token,omitempty"`
	ClaimedAt        time.Time       `json:"claimed_at"`
	RetryCount       int             `json:"retry_count"`
	LastError        string          `json:"last_error,omitempty"`
}

// MapKey returns the entry's key in the outbox map. Keys order by
// creation time so an ascending scan yields oldest entries first.
func (e *Entry) MapKey() string {
	return fmt.Sprintf("%020d#%s", e.CreatedAt.UnixNano(), e.EntryID)
}

// Event decodes the entry payload back into the event it carries.
func (e *Entry) Event() (*event.Event, error) {
	return event.Unmarshal(e.Payload)
}

// Stats counts entries per status in one scan.
type Stats struct {
	Pending   int
	InFlight  int
	Delivered int
	Failed    int
}

// Store reads and transitions outbox entries on a grid map.
type Store struct {
	m grid.Map
}

// NewStore creates a store over the given outbox map.
func NewStore(m grid.Map) *Store {
	return &Store{m: m}
}

// MapName returns the name of the underlying grid map.
func (s *Store) MapName() string {
	return s.m.Name()
}

// Write appends an entry with status PENDING. A missing entry id and
// creation time are filled in.
func (s *Store) Write(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("outbox: entry cannot be nil")
	}
	if e.DestinationTopic == "" {
		return fmt.Errorf("outbox: destination topic is required")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("outbox: payload is required")
	}
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = StatusPending

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox: marshal entry %s: %w", e.EntryID, err)
	}
	if err := s.m.Put(ctx, e.MapKey(), data); err != nil {
		return fmt.Errorf("outbox: write entry %s: %w", e.EntryID, err)
	}
	return nil
}

// Publish wraps an event into a PENDING entry. The store satisfies the
// pipeline's publisher contract with it.
func (s *Store) Publish(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("outbox: event cannot be nil")
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Write(ctx, &Entry{
		DestinationTopic: bus.Subject(ev.EventType),
		Payload:          payload,
	})
}

// OldestPending returns up to limit PENDING entries in creation order.
func (s *Store) OldestPending(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*Entry
	var scanErr error
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		if e.Status != StatusPending {
			return true
		}
		out = append(out, e)
		return len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: scan pending: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// Claim atomically moves a PENDING entry to IN_FLIGHT under the given
// token. It reports false when the entry is gone or no longer PENDING.
func (s *Store) Claim(ctx context.Context, mapKey, token string) (*Entry, bool, error) {
	claimed := false
	var entry *Entry
	_, err := s.m.Apply(ctx, mapKey, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		e, err := decodeEntry(mapKey, current)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusPending {
			return current, nil
		}
		e.Status = StatusInFlight
		e.ClaimToken = token
		e.ClaimedAt = time.Now().UTC()
		claimed = true
		entry = e
		return json.Marshal(e)
	})
	if err != nil {
		return nil, false, fmt.Errorf("outbox: claim %s: %w", mapKey, err)
	}
	return entry, claimed, nil
}

// MarkDelivered finalizes an IN_FLIGHT entry. Only the claim holder
// may advance it.
func (s *Store) MarkDelivered(ctx context.Context, mapKey, token string) (bool, error) {
	return s.transition(ctx, mapKey, token, func(e *Entry) {
		e.Status = StatusDelivered
		e.ClaimToken = ""
		e.LastError = ""
	})
}

// Requeue returns an IN_FLIGHT entry to PENDING with an incremented
// retry count. Only the claim holder may advance it.
func (s *Store) Requeue(ctx context.Context, mapKey, token string, cause error) (bool, error) {
	return s.transition(ctx, mapKey, token, func(e *Entry) {
		e.Status = StatusPending
		e.ClaimToken = ""
		e.RetryCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

// MarkFailed finalizes an IN_FLIGHT entry as FAILED after retry
// exhaustion. Only the claim holder may advance it.
func (s *Store) MarkFailed(ctx context.Context, mapKey, token string, cause error) (bool, error) {
	return s.transition(ctx, mapKey, token, func(e *Entry) {
		e.Status = StatusFailed
		e.ClaimToken = ""
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

func (s *Store) transition(ctx context.Context, mapKey, token string, mutate func(*Entry)) (bool, error) {
	advanced := false
	_, err := s.m.Apply(ctx, mapKey, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		e, err := decodeEntry(mapKey, current)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusInFlight || e.ClaimToken != token {
			return current, nil
		}
		mutate(e)
		advanced = true
		return json.Marshal(e)
	})
	if err != nil {
		return false, fmt.Errorf("outbox: transition %s: %w", mapKey, err)
	}
	return advanced, nil
}

// ReclaimStale returns IN_FLIGHT entries claimed before the cutoff to
// PENDING. A crashed relay leaves such claims behind.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	var keys []string
	var scanErr error
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		if e.Status == StatusInFlight && e.ClaimedAt.Before(cutoff) {
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan stale claims: %w", err)
	}
	if scanErr != nil {
		return 0, scanErr
	}

	reclaimed := 0
	for _, key := range keys {
		_, err := s.m.Apply(ctx, key, func(current []byte, exists bool) ([]byte, error) {
			if !exists {
				return nil, nil
			}
			e, err := decodeEntry(key, current)
			if err != nil {
				return nil, err
			}
			if e.Status != StatusInFlight || !e.ClaimedAt.Before(cutoff) {
				return current, nil
			}
			e.Status = StatusPending
			e.ClaimToken = ""
			reclaimed++
			return json.Marshal(e)
		})
		if err != nil {
			return reclaimed, fmt.Errorf("outbox: reclaim %s: %w", key, err)
		}
	}
	return reclaimed, nil
}

// PruneDelivered removes DELIVERED entries created before the cutoff.
func (s *Store) PruneDelivered(ctx context.Context, cutoff time.Time) (int, error) {
	var keys []string
	var scanErr error
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		if e.Status == StatusDelivered && e.CreatedAt.Before(cutoff) {
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan delivered: %w", err)
	}
	if scanErr != nil {
		return 0, scanErr
	}
	for _, key := range keys {
		if err := s.m.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("outbox: prune %s: %w", key, err)
		}
	}
	return len(keys), nil
}

// CountByStatus tallies entries per status.
func (s *Store) CountByStatus(ctx context.Context) (Stats, error) {
	var stats Stats
	var scanErr error
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		switch e.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusDelivered:
			stats.Delivered++
		case StatusFailed:
			stats.Failed++
		}
		return true
	})
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: count: %w", err)
	}
	if scanErr != nil {
		return Stats{}, scanErr
	}
	return stats, nil
}

func decodeEntry(key string, value []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("outbox: decode entry at %s: %w", key, err)
	}
	return &e, nil
}
