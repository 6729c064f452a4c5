package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Add inserts or refreshes the entry for its original event id.
func (s *MemoryStore) Add(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("dlq: entry cannot be nil")
	}
	if e.OriginalEventID == "" {
		return fmt.Errorf("dlq: original event id is required")
	}
	normalizeEntry(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[e.OriginalEventID]; ok {
		s.entries[e.OriginalEventID] = mergeEntry(existing, e)
		return nil
	}
	stored := *e
	s.entries[e.OriginalEventID] = &stored
	return nil
}

// Get returns the entry for an event id.
func (s *MemoryStore) Get(ctx context.Context, eventID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

// List returns matching entries in first-failure order plus the
// unpaged total.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	s.mu.Lock()
	matched := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !matchesFilter(e, filter) {
			continue
		}
		out := *e
		matched = append(matched, &out)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].FirstFailureAt.Equal(matched[j].FirstFailureAt) {
			return matched[i].OriginalEventID < matched[j].OriginalEventID
		}
		return matched[i].FirstFailureAt.Before(matched[j].FirstFailureAt)
	})
	return pageEntries(matched, filter), len(matched), nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// ClaimReplay increments the replay counter up to limit.
func (s *MemoryStore) ClaimReplay(ctx context.Context, eventID string, limit int) (*Entry, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.ReplayAttempts >= limit {
		return nil, ErrReplayLimit
	}
	e.ReplayAttempts++
	out := *e
	return &out, nil
}

// Discard removes the entry for an event id.
func (s *MemoryStore) Discard(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[eventID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, eventID)
	return nil
}
