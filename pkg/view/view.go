// Package view maintains the materialized current-state map for one
// service. Every mutation goes through an atomic per-key apply on the
// grid map, folding events into the stored record with the applier
// registered for the event type. Rebuild replays the journal through
// the same appliers.
package view

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/eventstore"
	"github.com/eventra/eventra/pkg/grid"
	"github.com/eventra/eventra/pkg/logger"
)

// MapSuffix is appended to the service name to form the view map.
const MapSuffix = "_VIEW"

// Store materializes event state into per-entity records.
type Store struct {
	m        grid.Map
	registry *event.Registry
	journal  *eventstore.Store
	log      logger.Logger
}

// NewStore creates a view store over the given map, using registry
// appliers for updates and the journal for rebuilds.
func NewStore(m grid.Map, registry *event.Registry, journal *eventstore.Store) *Store {
	return &Store{
		m:        m,
		registry: registry,
		journal:  journal,
		log:      logger.Global().With("map", m.Name()),
	}
}

// MapName returns the name of the underlying grid map.
func (s *Store) MapName() string {
	return s.m.Name()
}

// Update folds one event into the record stored at entityKey. The
// whole read-apply-write runs atomically on the map, so concurrent
// updates to the same key cannot race. Event types without a
// registered applier leave the view untouched.
func (s *Store) Update(ctx context.Context, entityKey string, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("view: update with nil event")
	}
	apply, ok := s.registry.ApplierFor(ev.EventType)
	if !ok {
		s.log.Debug("no view applier for event type", "event_type", ev.EventType)
		return nil
	}

	_, err := s.m.Apply(ctx, entityKey, func(current []byte, exists bool) ([]byte, error) {
		var rec *event.Record
		if exists {
			rec = &event.Record{}
			if err := json.Unmarshal(current, rec); err != nil {
				return nil, fmt.Errorf("view: decode record %s: %w", entityKey, err)
			}
		}
		next, err := apply(rec, ev)
		if err != nil {
			return nil, fmt.Errorf("view: apply %s to %s: %w", ev.EventType, entityKey, err)
		}
		if next == nil {
			return nil, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("view: encode record %s: %w", entityKey, err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return nil
}

// Get returns the current record for an entity.
func (s *Store) Get(ctx context.Context, entityKey string) (*event.Record, bool, error) {
	data, ok, err := s.m.Get(ctx, entityKey)
	if err != nil {
		return nil, false, fmt.Errorf("view: get %s: %w", entityKey, err)
	}
	if !ok {
		return nil, false, nil
	}
	rec := &event.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false, fmt.Errorf("view: decode record %s: %w", entityKey, err)
	}
	return rec, true, nil
}

// Rebuild discards the record for one entity and replays its journal
// history in sequence order. Returns the number of events replayed.
func (s *Store) Rebuild(ctx context.Context, entityKey string) (int, error) {
	if s.journal == nil {
		return 0, fmt.Errorf("view: rebuild requires a journal")
	}
	if err := s.m.Delete(ctx, entityKey); err != nil {
		return 0, fmt.Errorf("view: rebuild clear %s: %w", entityKey, err)
	}

	history, err := s.journal.ForEntity(ctx, entityKey)
	if err != nil {
		return 0, fmt.Errorf("view: rebuild %s: %w", entityKey, err)
	}
	for _, stored := range history {
		if err := s.Update(ctx, entityKey, stored.Event); err != nil {
			return 0, fmt.Errorf("view: rebuild %s at sequence %d: %w", entityKey, stored.Key.Sequence, err)
		}
	}
	s.log.Info("view rebuilt", "entity_key", entityKey, "events", len(history))
	return len(history), nil
}

// RebuildAll drops every view record and replays the whole journal.
// Returns the number of events replayed.
func (s *Store) RebuildAll(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, fmt.Errorf("view: rebuild requires a journal")
	}

	var keys []string
	if err := s.m.Scan(ctx, "", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return 0, fmt.Errorf("view: rebuild scan: %w", err)
	}
	for _, key := range keys {
		if err := s.m.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("view: rebuild clear %s: %w", key, err)
		}
	}

	count := 0
	var replayErr error
	err := s.journal.ScanAll(ctx, func(stored eventstore.StoredEvent) bool {
		if err := s.Update(ctx, stored.Key.EntityKey, stored.Event); err != nil {
			replayErr = err
			return false
		}
		count++
		return true
	})
	if replayErr != nil {
		return count, replayErr
	}
	if err != nil {
		return count, fmt.Errorf("view: rebuild replay: %w", err)
	}
	s.log.Info("full view rebuild complete", "events", count)
	return count, nil
}

// Size returns the number of view records.
func (s *Store) Size(ctx context.Context) (int, error) {
	n, err := s.m.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("view: size: %w", err)
	}
	return n, nil
}
