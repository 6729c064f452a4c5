package grid

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/eventra/eventra/pkg/logger"
)

// Entry is one key/value pair bound for the backing store. A nil Value
// marks a deletion.
type Entry struct {
	Key   string
	Value []byte
}

// BackingStore persists map entries durably. Implementations must iterate
// LoadPrefix in ascending key order, matching the Map.Scan contract.
type BackingStore interface {
	// Store writes one entry synchronously.
	Store(ctx context.Context, mapName, key string, value []byte) error

	// StoreBatch writes a batch in slice order. Entries with a nil Value
	// are deletions.
	StoreBatch(ctx context.Context, mapName string, entries []Entry) error

	// Load reads one entry. The second return reports whether it exists.
	Load(ctx context.Context, mapName, key string) ([]byte, bool, error)

	// LoadPrefix streams all entries whose key starts with prefix, in
	// ascending key order, until fn returns false.
	LoadPrefix(ctx context.Context, mapName, prefix string, fn func(key string, value []byte) bool) error

	// Delete removes one entry synchronously.
	Delete(ctx context.Context, mapName, key string) error

	// Count returns the number of stored entries for the map.
	Count(ctx context.Context, mapName string) (int, error)
}

// MetricsRecorder receives persistence and eviction instrumentation from
// stored maps.
type MetricsRecorder interface {
	RecordStore(duration time.Duration)
	RecordStoreBatch(entries int, duration time.Duration)
	RecordLoad(duration time.Duration)
	RecordLoadMiss()
	RecordPersistenceError(operation string)
	SetWriteBehindQueueDepth(mapName string, n float64)
	RecordEviction(mapName string)
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordStore(duration time.Duration)                 {}
func (n *nopMetrics) RecordStoreBatch(entries int, d time.Duration)      {}
func (n *nopMetrics) RecordLoad(duration time.Duration)                  {}
func (n *nopMetrics) RecordLoadMiss()                                    {}
func (n *nopMetrics) RecordPersistenceError(operation string)            {}
func (n *nopMetrics) SetWriteBehindQueueDepth(mapName string, v float64) {}
func (n *nopMetrics) RecordEviction(mapName string)                      {}

// EvictionSettings bounds the hot map in front of the backing store.
type EvictionSettings struct {
	// Enabled turns LRU eviction on.
	Enabled bool

	// MaxSize is the maximum number of hot entries per node.
	MaxSize int

	// MaxIdle evicts entries not read or written for this long. Zero
	// disables idle expiry.
	MaxIdle time.Duration
}

// StoredConfig holds configuration for a StoredMap.
type StoredConfig struct {
	// WriteDelay is how long a dirty entry may wait before it is flushed.
	// Zero switches the map to write-through: every write goes to the
	// backing store synchronously.
	WriteDelay time.Duration

	// BatchSize caps entries per flush and triggers an early flush when
	// the queue reaches it.
	BatchSize int

	// Coalesce folds repeated writes to one key into a single queued
	// entry holding the newest value. Disable for append-only maps where
	// every write targets a fresh key.
	Coalesce bool

	// InitialLoad selects whether Start populates the hot map from the
	// backing store (LoadModeEager) or entries load on first access
	// (LoadModeLazy).
	InitialLoad LoadMode

	// RetryBaseDelay and RetryMaxDelay shape the backoff between flush
	// attempts after a backing store failure. Failed batches are never
	// dropped.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Eviction bounds the hot map.
	Eviction EvictionSettings
}

// DefaultStoredConfig returns a StoredConfig with sensible defaults.
func DefaultStoredConfig() *StoredConfig {
	return &StoredConfig{
		WriteDelay:     5 * time.Second,
		BatchSize:      100,
		Coalesce:       true,
		InitialLoad:    LoadModeEager,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

// dirtyEntry is one queued write. Coalescing updates value in place, so
// the queue holds pointers.
type dirtyEntry struct {
	key      string
	value    []byte
	queuedAt time.Time
}

// StoredMap wraps a hot Map with write-behind persistence. Writes land in
// the hot map immediately and are flushed to the BackingStore in batches
// after WriteDelay. Reads fall through to the store on a hot miss. With
// eviction enabled, an LRU bounds the hot map; dirty entries are pinned
// until their writes are persisted.
//
// Entries written with a TTL stay in the hot map only and are invisible
// to Scan and Size.
type StoredMap struct {
	name  string
	hot   Map
	store BackingStore
	cfg   *StoredConfig

	log     logger.Logger
	metrics MetricsRecorder

	mu        sync.Mutex
	queue     []*dirtyEntry
	queueIdx  map[string]*dirtyEntry // coalesce mode only
	unflushed map[string]int         // queued plus in-flight writes per key
	pinned    map[string]struct{}    // keys eviction skipped while dirty
	deleting  map[string]struct{}    // keys being explicitly deleted
	backoff   time.Duration
	retryAt   time.Time

	lru *expirable.LRU[string, struct{}]

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	kickCh    chan struct{}
	wg        sync.WaitGroup
}

var _ Map = (*StoredMap)(nil)

// NewStoredMap wraps hot with write-behind persistence on store.
func NewStoredMap(hot Map, store BackingStore, cfg *StoredConfig) *StoredMap {
	if cfg == nil {
		cfg = DefaultStoredConfig()
	}
	s := &StoredMap{
		name:      hot.Name(),
		hot:       hot,
		store:     store,
		cfg:       cfg,
		log:       logger.Global().With("map", hot.Name()),
		metrics:   &nopMetrics{},
		queueIdx:  make(map[string]*dirtyEntry),
		unflushed: make(map[string]int),
		pinned:    make(map[string]struct{}),
		deleting:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		kickCh:    make(chan struct{}, 1),
	}
	if cfg.Eviction.Enabled {
		s.lru = expirable.NewLRU[string, struct{}](cfg.Eviction.MaxSize, s.onEvict, cfg.Eviction.MaxIdle)
	}
	return s
}

// SetMetrics sets the metrics recorder.
func (s *StoredMap) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// SetLogger sets the logger.
func (s *StoredMap) SetLogger(l logger.Logger) {
	if l != nil {
		s.log = l
	}
}

// Start performs the initial load and starts the flush loop. It must be
// called before the map is used.
func (s *StoredMap) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if s.cfg.InitialLoad == LoadModeEager {
			err = s.eagerLoad(ctx)
			if err != nil {
				return
			}
		}
		if s.cfg.WriteDelay > 0 {
			s.wg.Add(1)
			go s.flushLoop()
		}
	})
	return err
}

// Stop stops the flush loop and flushes all remaining dirty entries.
func (s *StoredMap) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = s.Flush(ctx)
	})
	return err
}

func (s *StoredMap) Name() string {
	return s.name
}

func (s *StoredMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok, err := s.hot.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		s.touch(key)
		return val, true, nil
	}

	loaded, ok, err := s.loadValue(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	// A writer may have raced the load. Keep whatever reached the hot
	// map first, the queued write supersedes the loaded value anyway.
	stored, err := s.hot.Apply(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			return current, nil
		}
		return loaded, nil
	})
	if err != nil {
		return nil, false, err
	}
	s.touch(key)
	return stored, true, nil
}

func (s *StoredMap) Put(ctx context.Context, key string, value []byte) error {
	if err := s.hot.Put(ctx, key, value); err != nil {
		return err
	}
	if s.cfg.WriteDelay <= 0 {
		return s.writeThrough(ctx, key, value)
	}
	s.markDirty(key, value)
	s.touch(key)
	return nil
}

func (s *StoredMap) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// Load first so a persisted entry evicted from the hot map still
	// blocks the insert.
	if _, ok, err := s.Get(ctx, key); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	ok, err := s.hot.PutIfAbsent(ctx, key, value, ttl)
	if err != nil || !ok {
		return ok, err
	}
	if ttl > 0 {
		// TTL entries expire on their own and are never persisted.
		s.touch(key)
		return true, nil
	}
	if s.cfg.WriteDelay <= 0 {
		return true, s.writeThrough(ctx, key, value)
	}
	s.markDirty(key, value)
	s.touch(key)
	return true, nil
}

func (s *StoredMap) Delete(ctx context.Context, key string) error {
	if err := s.hot.Delete(ctx, key); err != nil {
		return err
	}
	s.untrack(key)
	if s.cfg.WriteDelay <= 0 {
		start := time.Now()
		if err := s.store.Delete(ctx, s.name, key); err != nil {
			s.metrics.RecordPersistenceError("delete")
			return err
		}
		s.metrics.RecordStore(time.Since(start))
		return nil
	}
	// Deletions ride the write-behind queue so they stay ordered with
	// the writes around them.
	s.markDirty(key, nil)
	return nil
}

func (s *StoredMap) Apply(ctx context.Context, key string, fn ApplyFunc) ([]byte, error) {
	out, err := s.hot.Apply(ctx, key, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			loaded, ok, lerr := s.loadValue(ctx, key)
			if lerr != nil {
				return nil, lerr
			}
			if ok {
				current, exists = loaded, true
			}
		}
		return fn(current, exists)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		s.untrack(key)
		if s.cfg.WriteDelay <= 0 {
			if derr := s.store.Delete(ctx, s.name, key); derr != nil {
				s.metrics.RecordPersistenceError("delete")
				return nil, derr
			}
			return nil, nil
		}
		s.markDirty(key, nil)
		return nil, nil
	}
	if s.cfg.WriteDelay <= 0 {
		return out, s.writeThrough(ctx, key, out)
	}
	s.markDirty(key, out)
	s.touch(key)
	return out, nil
}

// Scan flushes pending writes and streams the backing store, so it sees
// every entry regardless of what is currently hot.
func (s *StoredMap) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.store.LoadPrefix(ctx, s.name, prefix, fn)
}

func (s *StoredMap) Size(ctx context.Context) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	return s.store.Count(ctx, s.name)
}

// Flush synchronously writes every queued entry to the backing store.
func (s *StoredMap) Flush(ctx context.Context) error {
	for {
		batch := s.takeBatch(time.Now(), true)
		if len(batch) == 0 {
			return nil
		}
		if err := s.flushBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// PendingWrites reports the number of queued dirty entries.
func (s *StoredMap) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *StoredMap) eagerLoad(ctx context.Context) error {
	start := time.Now()
	loaded := 0
	var putErr error
	err := s.store.LoadPrefix(ctx, s.name, "", func(key string, value []byte) bool {
		if putErr = s.hot.Put(ctx, key, value); putErr != nil {
			return false
		}
		s.touch(key)
		loaded++
		return true
	})
	if err == nil {
		err = putErr
	}
	if err != nil {
		s.metrics.RecordPersistenceError("load_all")
		return err
	}
	s.log.Info("initial load completed",
		"entries", loaded,
		"duration", time.Since(start))
	return nil
}

func (s *StoredMap) writeThrough(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	if err := s.store.Store(ctx, s.name, key, value); err != nil {
		s.metrics.RecordPersistenceError("store")
		return err
	}
	s.metrics.RecordStore(time.Since(start))
	s.touch(key)
	return nil
}

func (s *StoredMap) loadValue(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	val, ok, err := s.store.Load(ctx, s.name, key)
	if err != nil {
		s.metrics.RecordPersistenceError("load")
		return nil, false, err
	}
	s.metrics.RecordLoad(time.Since(start))
	if !ok {
		s.metrics.RecordLoadMiss()
		return nil, false, nil
	}
	return val, true, nil
}

// markDirty queues a write for the flush loop. Callers touch the LRU
// after marking so eviction can never observe an unpinned dirty key.
func (s *StoredMap) markDirty(key string, value []byte) {
	s.mu.Lock()
	if s.cfg.Coalesce {
		if e, ok := s.queueIdx[key]; ok {
			e.value = value
			s.mu.Unlock()
			return
		}
	}
	e := &dirtyEntry{key: key, value: value, queuedAt: time.Now()}
	s.queue = append(s.queue, e)
	if s.cfg.Coalesce {
		s.queueIdx[key] = e
	}
	s.unflushed[key]++
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetWriteBehindQueueDepth(s.name, float64(depth))
	if depth >= s.cfg.BatchSize {
		select {
		case s.kickCh <- struct{}{}:
		default:
		}
	}
}

// untrack drops all queued writes for key and removes it from the LRU
// without the eviction side effects.
func (s *StoredMap) untrack(key string) {
	s.mu.Lock()
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.key == key {
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
	delete(s.queueIdx, key)
	delete(s.unflushed, key)
	delete(s.pinned, key)
	s.deleting[key] = struct{}{}
	s.mu.Unlock()

	if s.lru != nil {
		s.lru.Remove(key)
	}
	s.mu.Lock()
	delete(s.deleting, key)
	s.mu.Unlock()
}

// touch refreshes the key in the LRU. Never call with s.mu held, adding
// can evict synchronously and the eviction callback takes s.mu.
func (s *StoredMap) touch(key string) {
	if s.lru != nil {
		s.lru.Add(key, struct{}{})
	}
}

// onEvict is called by the LRU when a key falls out. Dirty keys are
// pinned instead of deleted, they rejoin the LRU once flushed.
func (s *StoredMap) onEvict(key string, _ struct{}) {
	s.mu.Lock()
	if _, ok := s.deleting[key]; ok {
		s.mu.Unlock()
		return
	}
	if _, dirty := s.unflushed[key]; dirty {
		s.pinned[key] = struct{}{}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.hot.Delete(context.Background(), key); err != nil {
		s.log.Warn("evicting hot entry failed", "key", key, "error", err)
		return
	}
	s.metrics.RecordEviction(s.name)
}

func (s *StoredMap) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushTick(s.cfg))
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.kickCh:
		}
		s.flushEligible(context.Background())
	}
}

// flushTick keeps the flush loop responsive for short write delays
// without spinning for long ones.
func flushTick(cfg *StoredConfig) time.Duration {
	tick := cfg.WriteDelay / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

func (s *StoredMap) flushEligible(ctx context.Context) {
	for {
		batch := s.takeBatch(time.Now(), false)
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(ctx, batch); err != nil {
			s.log.Warn("write-behind flush failed",
				"entries", len(batch),
				"retry_in", s.currentBackoff(),
				"error", err)
			return
		}
	}
}

// takeBatch removes up to BatchSize entries from the front of the queue.
// Without force it honors the retry gate and takes only entries older
// than WriteDelay, unless the queue is full.
func (s *StoredMap) takeBatch(now time.Time, force bool) []*dirtyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	if !force && now.Before(s.retryAt) {
		return nil
	}
	full := len(s.queue) >= s.cfg.BatchSize
	n := 0
	for n < len(s.queue) && n < s.cfg.BatchSize {
		if !force && !full && now.Sub(s.queue[n].queuedAt) < s.cfg.WriteDelay {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	batch := s.queue[:n:n]
	s.queue = s.queue[n:]
	if s.cfg.Coalesce {
		for _, e := range batch {
			delete(s.queueIdx, e.key)
		}
	}
	return batch
}

func (s *StoredMap) flushBatch(ctx context.Context, batch []*dirtyEntry) error {
	entries := make([]Entry, len(batch))
	for i, e := range batch {
		entries[i] = Entry{Key: e.key, Value: e.value}
	}
	start := time.Now()
	if err := s.store.StoreBatch(ctx, s.name, entries); err != nil {
		s.metrics.RecordPersistenceError("store_batch")
		s.requeue(batch)
		return err
	}
	s.metrics.RecordStoreBatch(len(entries), time.Since(start))
	s.clearFlushed(batch)
	return nil
}

// requeue puts a failed batch back at the front of the queue and arms
// the retry backoff. Entries superseded by a newer queued write are
// dropped in coalesce mode.
func (s *StoredMap) requeue(batch []*dirtyEntry) {
	s.mu.Lock()
	if s.cfg.Coalesce {
		kept := batch[:0]
		for _, e := range batch {
			if _, ok := s.queueIdx[e.key]; ok {
				s.unflushed[e.key]--
				if s.unflushed[e.key] <= 0 {
					delete(s.unflushed, e.key)
				}
				continue
			}
			kept = append(kept, e)
		}
		batch = kept
		for _, e := range batch {
			s.queueIdx[e.key] = e
		}
	}
	s.queue = append(batch, s.queue...)

	if s.backoff == 0 {
		s.backoff = s.cfg.RetryBaseDelay
	} else {
		s.backoff *= 2
		if s.backoff > s.cfg.RetryMaxDelay {
			s.backoff = s.cfg.RetryMaxDelay
		}
	}
	s.retryAt = time.Now().Add(s.backoff)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetWriteBehindQueueDepth(s.name, float64(depth))
}

// clearFlushed drops the dirty marks of a persisted batch and re-tracks
// keys whose eviction was deferred while they were dirty.
func (s *StoredMap) clearFlushed(batch []*dirtyEntry) {
	s.mu.Lock()
	var retrack []string
	for _, e := range batch {
		s.unflushed[e.key]--
		if s.unflushed[e.key] > 0 {
			continue
		}
		delete(s.unflushed, e.key)
		if _, ok := s.pinned[e.key]; ok {
			delete(s.pinned, e.key)
			if e.value != nil {
				retrack = append(retrack, e.key)
			}
		}
	}
	s.backoff = 0
	s.retryAt = time.Time{}
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetWriteBehindQueueDepth(s.name, float64(depth))
	for _, key := range retrack {
		s.touch(key)
	}
}

func (s *StoredMap) currentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}
