package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces bus traffic on a shared redis.
const DefaultChannelPrefix = "eventra:bus:"

type redisSub struct {
	transport *RedisTransport
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	once      sync.Once
}

// Unsubscribe stops delivery and releases the redis subscription.
func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.transport.remove(s)
	})
	return err
}

// RedisTransport carries envelopes over redis pub/sub channels.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisTransport creates a transport on an existing redis client.
func NewRedisTransport(client redis.UniversalClient, channelPrefix string) *RedisTransport {
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	return &RedisTransport{
		client: client,
		prefix: channelPrefix,
		subs:   make(map[*redisSub]struct{}),
	}
}

// Publish sends the payload on the subject's channel.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("bus: subject cannot be empty")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("bus: transport is closed")
	}
	t.mu.Unlock()

	if err := t.client.Publish(ctx, t.prefix+subject, payload).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler via redis pattern subscribe. Subject
// wildcards are translated to redis globs.
func (t *RedisTransport) Subscribe(pattern string, handler MessageHandler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("bus: subscription pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("bus: handler cannot be nil")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("bus: transport is closed")
	}
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := t.client.PSubscribe(ctx, t.prefix+redisGlob(pattern))

	sub := &redisSub{transport: t, pubsub: pubsub, cancel: cancel}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go t.forward(ctx, pubsub, handler)
	return sub, nil
}

func (t *RedisTransport) forward(ctx context.Context, pubsub *redis.PubSub, handler MessageHandler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler(strings.TrimPrefix(msg.Channel, t.prefix), []byte(msg.Payload))
		}
	}
}

// Close drops every subscription. The redis client stays open, the
// caller owns it.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redisSub, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*redisSub]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			sub.cancel()
			_ = sub.pubsub.Close()
		})
	}
	return nil
}

func (t *RedisTransport) remove(sub *redisSub) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// redisGlob maps subject wildcards onto redis pattern globs.
func redisGlob(pattern string) string {
	glob := strings.ReplaceAll(pattern, ">", "*")
	return glob
}
