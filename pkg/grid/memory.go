package grid

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// MemoryEngine is an in-process Engine backed by striped hash maps.
// It is the default fabric for single-node deployments and tests.
type MemoryEngine struct {
	mu       sync.Mutex
	maps     map[string]*memoryMap
	counters map[string]*memoryCounter
	closed   bool
}

// NewMemoryEngine creates an in-process engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		maps:     make(map[string]*memoryMap),
		counters: make(map[string]*memoryCounter),
	}
}

// Map returns the named map, creating it on first use.
func (e *MemoryEngine) Map(name string) (Map, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if m, ok := e.maps[name]; ok {
		return m, nil
	}

	m := newMemoryMap(name)
	e.maps[name] = m
	return m, nil
}

// Counter returns the named counter, creating it on first use.
func (e *MemoryEngine) Counter(name string) (Counter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if c, ok := e.counters[name]; ok {
		return c, nil
	}

	c := &memoryCounter{name: name}
	e.counters[name] = c
	return c, nil
}

// Close releases the engine. Maps created by it become unusable.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.maps = make(map[string]*memoryMap)
	e.counters = make(map[string]*memoryCounter)
	return nil
}

type mapEntry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

func (en mapEntry) expired(now time.Time) bool {
	return !en.expiresAt.IsZero() && now.After(en.expiresAt)
}

type mapShard struct {
	mu      sync.RWMutex
	entries map[string]mapEntry
}

type memoryMap struct {
	name   string
	shards [shardCount]*mapShard
}

func newMemoryMap(name string) *memoryMap {
	m := &memoryMap{name: name}
	for i := range m.shards {
		m.shards[i] = &mapShard{entries: make(map[string]mapEntry)}
	}
	return m
}

func (m *memoryMap) shardFor(key string) *mapShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *memoryMap) Name() string {
	return m.name
}

func (m *memoryMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	shard := m.shardFor(key)
	now := time.Now()

	shard.mu.RLock()
	en, ok := shard.entries[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if en.expired(now) {
		shard.mu.Lock()
		if cur, still := shard.entries[key]; still && cur.expired(time.Now()) {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
		return nil, false, nil
	}

	// Copy so callers cannot mutate stored state.
	out := make([]byte, len(en.value))
	copy(out, en.value)
	return out, true, nil
}

func (m *memoryMap) Put(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	shard := m.shardFor(key)
	shard.mu.Lock()
	shard.entries[key] = mapEntry{value: stored}
	shard.mu.Unlock()
	return nil
}

func (m *memoryMap) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if en, ok := shard.entries[key]; ok && !en.expired(time.Now()) {
		return false, nil
	}
	shard.entries[key] = mapEntry{value: stored, expiresAt: expiresAt}
	return true, nil
}

func (m *memoryMap) Delete(ctx context.Context, key string) error {
	shard := m.shardFor(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
	return nil
}

func (m *memoryMap) Apply(ctx context.Context, key string, fn ApplyFunc) ([]byte, error) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	var current []byte
	exists := false
	if en, ok := shard.entries[key]; ok && !en.expired(time.Now()) {
		current = make([]byte, len(en.value))
		copy(current, en.value)
		exists = true
	}

	next, err := fn(current, exists)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(shard.entries, key)
		return nil, nil
	}

	stored := make([]byte, len(next))
	copy(stored, next)
	shard.entries[key] = mapEntry{value: stored}

	out := make([]byte, len(next))
	copy(out, next)
	return out, nil
}

func (m *memoryMap) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	type pair struct {
		key   string
		value []byte
	}

	now := time.Now()
	var pairs []pair
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, en := range shard.entries {
			if en.expired(now) {
				continue
			}
			if prefix != "" && !hasPrefix(k, prefix) {
				continue
			}
			v := make([]byte, len(en.value))
			copy(v, en.value)
			pairs = append(pairs, pair{key: k, value: v})
		}
		shard.mu.RUnlock()
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(p.key, p.value) {
			return nil
		}
	}
	return nil
}

func (m *memoryMap) Size(ctx context.Context) (int, error) {
	now := time.Now()
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, en := range shard.entries {
			if !en.expired(now) {
				total++
			}
		}
		shard.mu.RUnlock()
	}
	return total, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

type memoryCounter struct {
	name  string
	mu    sync.Mutex
	value int64
}

func (c *memoryCounter) Name() string {
	return c.name
}

func (c *memoryCounter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	return c.value, nil
}
