package grid

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// applyMaxRetries bounds the optimistic CAS loop in Apply before
	// giving up with a ConflictError.
	applyMaxRetries = 16

	// scanBatchSize is the COUNT hint passed to SCAN.
	scanBatchSize = 256

	// scanFetchBatch is the number of keys fetched per MGET during Scan.
	scanFetchBatch = 100
)

// RedisEngineConfig holds configuration for a Redis-backed Engine.
type RedisEngineConfig struct {
	// Address is the Redis server address.
	Address string

	// Password is the Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// PoolSize is the connection pool size.
	PoolSize int

	// KeyPrefix namespaces all keys written by this engine.
	KeyPrefix string
}

// DefaultRedisEngineConfig returns a RedisEngineConfig with sensible defaults.
func DefaultRedisEngineConfig(address string) *RedisEngineConfig {
	return &RedisEngineConfig{
		Address:   address,
		PoolSize:  10,
		KeyPrefix: "eventra:",
	}
}

// RedisEngine implements Engine on a shared Redis instance. Keys are laid
// out as {prefix}map:{map}:{key} and {prefix}counter:{name} so that
// several services can share one Redis while keeping their maps disjoint.
type RedisEngine struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	maps     map[string]*redisMap
	counters map[string]*redisCounter
	closed   bool
}

// NewRedisEngine creates a Redis-backed Engine from the given configuration.
func NewRedisEngine(cfg *RedisEngineConfig) *RedisEngine {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return NewRedisEngineFromClient(client, cfg.KeyPrefix)
}

// NewRedisEngineFromClient creates a Redis-backed Engine on an existing
// client. The caller keeps ownership of the client only until Close.
func NewRedisEngineFromClient(client *redis.Client, keyPrefix string) *RedisEngine {
	if keyPrefix == "" {
		keyPrefix = "eventra:"
	}
	return &RedisEngine{
		client:   client,
		prefix:   keyPrefix,
		maps:     make(map[string]*redisMap),
		counters: make(map[string]*redisCounter),
	}
}

// Ping checks that the Redis connection is healthy.
func (e *RedisEngine) Ping(ctx context.Context) error {
	if err := e.client.Ping(ctx).Err(); err != nil {
		return &UnavailableError{Cause: err}
	}
	return nil
}

// Map returns the named distributed map, creating its handle on first use.
func (e *RedisEngine) Map(name string) (Map, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if m, ok := e.maps[name]; ok {
		return m, nil
	}
	m := &redisMap{
		name:   name,
		base:   e.prefix + "map:" + name + ":",
		client: e.client,
	}
	e.maps[name] = m
	return m, nil
}

// Counter returns the named distributed counter, creating it on first use.
func (e *RedisEngine) Counter(name string) (Counter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if c, ok := e.counters[name]; ok {
		return c, nil
	}
	c := &redisCounter{
		name:   name,
		key:    e.prefix + "counter:" + name,
		client: e.client,
	}
	e.counters[name] = c
	return c, nil
}

// Close releases the underlying Redis client. Data stays in Redis.
func (e *RedisEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.client.Close()
}

type redisMap struct {
	name   string
	base   string
	client *redis.Client
}

func (m *redisMap) Name() string {
	return m.name
}

func (m *redisMap) key(key string) string {
	return m.base + key
}

func (m *redisMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := m.client.Get(ctx, m.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &UnavailableError{Cause: err}
	}
	return val, true, nil
}

func (m *redisMap) Put(ctx context.Context, key string, value []byte) error {
	if err := m.client.Set(ctx, m.key(key), value, 0).Err(); err != nil {
		return &UnavailableError{Cause: err}
	}
	return nil
}

func (m *redisMap) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(key), value, ttl).Result()
	if err != nil {
		return false, &UnavailableError{Cause: err}
	}
	return ok, nil
}

func (m *redisMap) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.key(key)).Err(); err != nil {
		return &UnavailableError{Cause: err}
	}
	return nil
}

// Apply runs fn inside a WATCH/MULTI/EXEC cycle so the read-modify-write
// is atomic with respect to other Apply callers. Concurrent writes to the
// same key fail the transaction and the loop retries with a fresh read.
func (m *redisMap) Apply(ctx context.Context, key string, fn ApplyFunc) ([]byte, error) {
	k := m.key(key)
	var out []byte

	for attempt := 0; attempt < applyMaxRetries; attempt++ {
		err := m.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, k).Bytes()
			exists := true
			if err == redis.Nil {
				current, exists = nil, false
			} else if err != nil {
				return &UnavailableError{Cause: err}
			}

			next, err := fn(current, exists)
			if err != nil {
				return err
			}

			// TxFailedErr must surface unwrapped so the retry check sees it.
			_, perr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, k)
				} else {
					pipe.Set(ctx, k, next, 0)
				}
				return nil
			})
			if perr == nil {
				out = next
			}
			return perr
		}, k)

		if err == nil {
			return out, nil
		}
		if err == redis.TxFailedErr {
			// Brief backoff so contending writers interleave instead of
			// thrashing the watch.
			time.Sleep(time.Duration(attempt) * time.Millisecond)
			continue
		}
		return nil, err
	}
	return nil, &ConflictError{Map: m.name, Key: key}
}

func (m *redisMap) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	keys, err := m.scanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	for start := 0; start < len(keys); start += scanFetchBatch {
		end := start + scanFetchBatch
		if end > len(keys) {
			end = len(keys)
		}
		vals, err := m.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return &UnavailableError{Cause: err}
		}
		for i, v := range vals {
			// nil means the key was deleted between SCAN and MGET.
			s, ok := v.(string)
			if !ok {
				continue
			}
			if !fn(strings.TrimPrefix(keys[start+i], m.base), []byte(s)) {
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *redisMap) Size(ctx context.Context) (int, error) {
	keys, err := m.scanKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (m *redisMap) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.key(prefix)+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &UnavailableError{Cause: err}
	}
	return keys, nil
}

type redisCounter struct {
	name   string
	key    string
	client *redis.Client
}

func (c *redisCounter) Name() string {
	return c.name
}

func (c *redisCounter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	val, err := c.client.IncrBy(ctx, c.key, delta).Result()
	if err != nil {
		return 0, &UnavailableError{Cause: err}
	}
	return val, nil
}
