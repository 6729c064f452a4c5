package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func requireRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("EVENTRA_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	client := requireRedisClient(t)
	prefix := fmt.Sprintf("eventra:test:bus:%d:", time.Now().UnixNano())

	pub := NewRedisTransport(client, prefix)
	defer pub.Close()
	sub := NewRedisTransport(client, prefix)
	defer sub.Close()

	exact := &collector{}
	if _, err := sub.Subscribe("eventra.v1.events.OrderPlaced", exact.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	wildcard := &collector{}
	if _, err := sub.Subscribe("eventra.v1.events.>", wildcard.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Give the redis subscription loop a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := pub.Publish(context.Background(), "eventra.v1.events.OrderPlaced", []byte("a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := pub.Publish(context.Background(), "eventra.v1.events.StockReserved", []byte("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForCount(t, exact, 1)
	waitForCount(t, wildcard, 2)

	exact.mu.Lock()
	subject, payload := exact.subjects[0], exact.payloads[0]
	exact.mu.Unlock()
	if subject != "eventra.v1.events.OrderPlaced" {
		t.Errorf("subject = %q, prefix not stripped", subject)
	}
	if payload != "a" {
		t.Errorf("payload = %q, want a", payload)
	}
}

func TestRedisTransport_Unsubscribe(t *testing.T) {
	client := requireRedisClient(t)
	tr := NewRedisTransport(client, fmt.Sprintf("eventra:test:bus:unsub:%d:", time.Now().UnixNano()))
	defer tr.Close()

	c := &collector{}
	sub, err := tr.Subscribe("s.a", c.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := tr.Publish(context.Background(), "s.a", []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitForCount(t, c, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := tr.Publish(context.Background(), "s.a", []byte("2")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("received %d messages after unsubscribe, want 1", c.count())
	}
}

func TestRedisTransport_Close(t *testing.T) {
	client := requireRedisClient(t)
	tr := NewRedisTransport(client, fmt.Sprintf("eventra:test:bus:closed:%d:", time.Now().UnixNano()))

	if _, err := tr.Subscribe("s.a", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Publish(context.Background(), "s.a", []byte("x")); err == nil {
		t.Error("expected error publishing on closed transport")
	}
	if _, err := tr.Subscribe("s.a", func(string, []byte) {}); err == nil {
		t.Error("expected error subscribing on closed transport")
	}
}

func TestBusOverRedis(t *testing.T) {
	client := requireRedisClient(t)
	prefix := fmt.Sprintf("eventra:test:bus:e2e:%d:", time.Now().UnixNano())
	key := []byte("shared-secret")

	producer, err := New(NewRedisTransport(client, prefix), orderRegistry(t), Config{
		Service:    "orders",
		SigningKey: key,
	})
	if err != nil {
		t.Fatalf("New producer failed: %v", err)
	}
	consumerTransport := NewRedisTransport(client, prefix)
	defer consumerTransport.Close()
	consumer, err := New(consumerTransport, orderRegistry(t), Config{
		Service:    "payments",
		SigningKey: key,
	})
	if err != nil {
		t.Fatalf("New consumer failed: %v", err)
	}
	metrics := &captureBusMetrics{}
	consumer.SetMetrics(metrics)

	received := &eventCollector{}
	if _, err := consumer.Subscribe("OrderPlaced", received.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ev := placedEvent(t)
	if err := producer.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	eventually(t, func() bool { return received.len() == 1 })
	got := received.first()
	if got.EventID != ev.EventID {
		t.Errorf("event id = %s, want %s", got.EventID, ev.EventID)
	}
	if id, _ := got.Payload.GetString("order_id"); id != "order-1" {
		t.Errorf("order_id = %q, want order-1", id)
	}
	if failures := metrics.signatureFailures(); failures != 0 {
		t.Errorf("signature failures = %d, want 0", failures)
	}
}
