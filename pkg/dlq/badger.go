package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

const entryKeyPrefix = "dlq:"

// BadgerStore persists dead letter entries in Badger so they survive
// service restarts.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
}

// OpenBadgerStore opens a dedicated Badger DB at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dlq: open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db, ownsDB: true}, nil
}

// NewBadgerStore creates a store over an existing Badger DB.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("dlq: badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the DB when this store opened it.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Add inserts or refreshes the entry for its original event id.
func (s *BadgerStore) Add(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("dlq: entry cannot be nil")
	}
	if e.OriginalEventID == "" {
		return fmt.Errorf("dlq: original event id is required")
	}
	normalizeEntry(e)

	key := []byte(entryKeyPrefix + e.OriginalEventID)
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stored := e
		if item, err := txn.Get(key); err == nil {
			var existing Entry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &existing) }); err == nil {
				stored = mergeEntry(&existing, e)
			}
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("dlq: marshal entry %s: %w", e.OriginalEventID, err)
		}
		return txn.Set(key, data)
	})
}

// Get returns the entry for an event id.
func (s *BadgerStore) Get(ctx context.Context, eventID string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get([]byte(entryKeyPrefix + eventID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) })
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns matching entries in first-failure order plus the
// unpaged total.
func (s *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	matched := make([]*Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				continue
			}
			if !matchesFilter(&e, filter) {
				continue
			}
			out := e
			matched = append(matched, &out)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].FirstFailureAt.Equal(matched[j].FirstFailureAt) {
			return matched[i].OriginalEventID < matched[j].OriginalEventID
		}
		return matched[i].FirstFailureAt.Before(matched[j].FirstFailureAt)
	})
	return pageEntries(matched, filter), len(matched), nil
}

// Count returns the number of stored entries.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ClaimReplay increments the replay counter up to limit.
func (s *BadgerStore) ClaimReplay(ctx context.Context, eventID string, limit int) (*Entry, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	key := []byte(entryKeyPrefix + eventID)
	var entry Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
			return err
		}
		if entry.ReplayAttempts >= limit {
			return ErrReplayLimit
		}
		entry.ReplayAttempts++
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Discard removes the entry for an event id.
func (s *BadgerStore) Discard(ctx context.Context, eventID string) error {
	key := []byte(entryKeyPrefix + eventID)
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}
