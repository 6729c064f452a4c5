// Package grid provides the distributed map and counter primitives that
// back the event journal, materialized views, saga state, and the
// resilience substrate. Engines supply the storage fabric (in-process
// memory or Redis); callers program against the Map and Counter
// interfaces and never see the fabric directly.
package grid

import (
	"context"
	"time"
)

// ApplyFunc computes the next value for a key from its current value.
// current is nil when the key is absent. Returning (nil, nil) deletes
// the key. The function runs under the key's lock, so it must not call
// back into the map and should return quickly.
type ApplyFunc func(current []byte, exists bool) ([]byte, error)

// Map is a named key-value map with per-key atomic read-modify-write.
//
// Scan visits entries in ascending lexicographic key order, which the
// event journal relies on for per-entity sequence ordering.
type Map interface {
	// Name returns the map name.
	Name() string

	// Get returns the value for key, or false when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores the value for key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent stores the value only when the key is absent and
	// returns whether the store happened. A positive ttl expires the
	// entry after that duration; zero means no expiry.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Apply atomically transforms the value for key and returns the
	// stored result. The returned slice is nil when fn deleted the key.
	Apply(ctx context.Context, key string, fn ApplyFunc) ([]byte, error)

	// Scan visits every entry whose key starts with prefix, in
	// ascending key order, until fn returns false.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error

	// Size returns the number of live entries.
	Size(ctx context.Context) (int, error)
}

// Counter is a named monotonic counter shared across the grid.
type Counter interface {
	// Name returns the counter name.
	Name() string

	// AddAndGet atomically adds delta and returns the new value.
	AddAndGet(ctx context.Context, delta int64) (int64, error)
}

// Engine creates and owns the maps and counters of one storage fabric.
type Engine interface {
	// Map returns the named map, creating it on first use.
	Map(name string) (Map, error)

	// Counter returns the named counter, creating it on first use.
	Counter(name string) (Counter, error)

	// Close releases the engine and everything it created.
	Close() error
}

// LoadMode controls how a stored map warms its hot cache at startup.
type LoadMode string

const (
	// LoadModeLazy loads entries from the backing store on first miss.
	LoadModeLazy LoadMode = "LAZY"

	// LoadModeEager loads every persisted entry before serving.
	LoadModeEager LoadMode = "EAGER"
)
