// Package eventstore provides the append-only event journal for one
// service. Events live in a grid map under entityKey#<padded sequence>
// keys, so a prefix scan yields an entity's history in ascending
// sequence order. When the map is write-behind backed, scans see the
// full journal, not just the hot window.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/grid"
)

// MapSuffix is appended to the service name to form the journal map.
const MapSuffix = "_ES"

// StoredEvent pairs a journal entry with its key.
type StoredEvent struct {
	Key   event.PartitionedSequenceKey
	Event *event.Event
}

// Store is an append-only journal over a grid map.
type Store struct {
	m grid.Map
}

// NewStore creates a journal on the given map.
func NewStore(m grid.Map) *Store {
	return &Store{m: m}
}

// MapName returns the name of the underlying grid map.
func (s *Store) MapName() string {
	return s.m.Name()
}

// Append writes one event under its journal key. Keys are never
// reused, so rewriting the same key with the same event is a no-op
// replay, not corruption.
func (s *Store) Append(ctx context.Context, key event.PartitionedSequenceKey, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("eventstore: append nil event")
	}
	if key.EntityKey != ev.EntityKey {
		return fmt.Errorf("eventstore: key entity %q does not match event entity %q", key.EntityKey, ev.EntityKey)
	}
	data, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventstore: append %s: %w", key, err)
	}
	if err := s.m.Put(ctx, key.JournalKey(), data); err != nil {
		return fmt.Errorf("eventstore: append %s: %w", key, err)
	}
	return nil
}

// Get returns the event stored under the given key.
func (s *Store) Get(ctx context.Context, key event.PartitionedSequenceKey) (*event.Event, bool, error) {
	data, ok, err := s.m.Get(ctx, key.JournalKey())
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: get %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	ev, err := event.Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: get %s: %w", key, err)
	}
	return ev, true, nil
}

// ForEntity returns every event for an entity in ascending sequence
// order.
func (s *Store) ForEntity(ctx context.Context, entityKey string) ([]StoredEvent, error) {
	if entityKey == "" {
		return nil, fmt.Errorf("eventstore: entity key is required")
	}
	return s.collect(ctx, event.JournalPrefix(entityKey), nil)
}

// ByType returns every stored event with the given event type. This is
// a full journal scan; results are ordered by entity key, then
// ascending sequence.
func (s *Store) ByType(ctx context.Context, eventType string) ([]StoredEvent, error) {
	if eventType == "" {
		return nil, fmt.Errorf("eventstore: event type is required")
	}
	return s.collect(ctx, "", func(ev *event.Event) bool {
		return ev.EventType == eventType
	})
}

// InRange returns every stored event whose timestamp lies in
// [from, to], bounds inclusive.
func (s *Store) InRange(ctx context.Context, from, to time.Time) ([]StoredEvent, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("eventstore: range end %s precedes start %s", to, from)
	}
	return s.collect(ctx, "", func(ev *event.Event) bool {
		return !ev.Timestamp.Before(from) && !ev.Timestamp.After(to)
	})
}

// ScanAll streams the whole journal in key order, each entity's events
// arriving in ascending sequence. Return false from fn to stop early.
func (s *Store) ScanAll(ctx context.Context, fn func(StoredEvent) bool) error {
	var scanErr error
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		stored, err := decode(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		return fn(stored)
	})
	if scanErr != nil {
		return scanErr
	}
	if err != nil {
		return fmt.Errorf("eventstore: scan: %w", err)
	}
	return nil
}

// Count returns the number of journal entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.m.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	return n, nil
}

func (s *Store) collect(ctx context.Context, prefix string, match func(*event.Event) bool) ([]StoredEvent, error) {
	var out []StoredEvent
	var scanErr error
	err := s.m.Scan(ctx, prefix, func(key string, value []byte) bool {
		stored, err := decode(key, value)
		if err != nil {
			scanErr = err
			return false
		}
		if match == nil || match(stored.Event) {
			out = append(out, stored)
		}
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: scan: %w", err)
	}
	return out, nil
}

func decode(key string, value []byte) (StoredEvent, error) {
	psk, err := event.ParseJournalKey(key)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("eventstore: %w", err)
	}
	ev, err := event.Unmarshal(value)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("eventstore: entry %s: %w", key, err)
	}
	return StoredEvent{Key: psk, Event: ev}, nil
}
