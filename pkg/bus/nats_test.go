package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func requireNATSTransport(t *testing.T) *NATSTransport {
	t.Helper()

	url := os.Getenv("EVENTRA_NATS_URL")
	if url == "" {
		url = "nats://127.0.0.1:4222"
	}

	tr, err := NewNATSTransport(url)
	if err != nil {
		t.Skipf("nats is not available at %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

func TestNATSTransport_PublishSubscribe(t *testing.T) {
	tr := requireNATSTransport(t)
	root := fmt.Sprintf("eventra.test.%d", time.Now().UnixNano())

	exact := &collector{}
	if _, err := tr.Subscribe(root+".OrderPlaced", exact.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	wildcard := &collector{}
	if _, err := tr.Subscribe(root+".>", wildcard.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := tr.Publish(context.Background(), root+".OrderPlaced", []byte("a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := tr.Publish(context.Background(), root+".StockReserved", []byte("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForCount(t, exact, 1)
	waitForCount(t, wildcard, 2)

	exact.mu.Lock()
	subject, payload := exact.subjects[0], exact.payloads[0]
	exact.mu.Unlock()
	if subject != root+".OrderPlaced" {
		t.Errorf("subject = %q", subject)
	}
	if payload != "a" {
		t.Errorf("payload = %q, want a", payload)
	}
}

func TestNATSTransport_Unsubscribe(t *testing.T) {
	tr := requireNATSTransport(t)
	subject := fmt.Sprintf("eventra.test.unsub.%d", time.Now().UnixNano())

	c := &collector{}
	sub, err := tr.Subscribe(subject, c.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := tr.Publish(context.Background(), subject, []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitForCount(t, c, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := tr.Publish(context.Background(), subject, []byte("2")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("received %d messages after unsubscribe, want 1", c.count())
	}
}
