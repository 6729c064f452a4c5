package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu       sync.Mutex
	subjects []string
	payloads []string
}

func (c *collector) handler(subject string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, string(payload))
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}

func waitForCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("received %d messages, want %d", c.count(), want)
}

func TestMemoryTransport_PublishSubscribe(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })

	c := &collector{}
	sub, err := tr.Subscribe("eventra.v1.events.OrderPlaced", c.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := tr.Publish(context.Background(), "eventra.v1.events.OrderPlaced", []byte("a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := tr.Publish(context.Background(), "eventra.v1.events.OtherType", []byte("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForCount(t, c, 1)
	time.Sleep(20 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("received %d messages, want exactly 1", c.count())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payloads[0] != "a" {
		t.Errorf("payload = %q, want a", c.payloads[0])
	}
}

func TestMemoryTransport_Wildcard(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })

	c := &collector{}
	if _, err := tr.Subscribe("eventra.v1.events.>", c.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, subject := range []string{
		"eventra.v1.events.OrderPlaced",
		"eventra.v1.events.StockReserved",
	} {
		if err := tr.Publish(context.Background(), subject, []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := tr.Publish(context.Background(), "eventra.v1.other.Thing", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitForCount(t, c, 2)
	time.Sleep(20 * time.Millisecond)
	if c.count() != 2 {
		t.Errorf("received %d messages, want exactly 2", c.count())
	}
}

func TestMemoryTransport_Unsubscribe(t *testing.T) {
	tr := NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })

	c := &collector{}
	sub, err := tr.Subscribe("s.a", c.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := tr.Publish(context.Background(), "s.a", []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitForCount(t, c, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}

	if err := tr.Publish(context.Background(), "s.a", []byte("2")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("received %d messages after unsubscribe, want 1", c.count())
	}
}

func TestMemoryTransport_Close(t *testing.T) {
	tr := NewMemoryTransport()
	if _, err := tr.Subscribe("s.a", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := tr.Publish(context.Background(), "s.a", []byte("x")); err == nil {
		t.Error("expected error publishing on closed transport")
	}
	if _, err := tr.Subscribe("s.a", func(string, []byte) {}); err == nil {
		t.Error("expected error subscribing on closed transport")
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>", "a.b.c.d", true},
		{"a.>", "a", true},
		{"a.>", "b.c", false},
		{"a.b", "a.b.c", false},
	}
	for _, tt := range tests {
		if got := subjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestSubjects(t *testing.T) {
	if got := Subject("OrderPlaced"); got != "eventra.v1.events.OrderPlaced" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject(""); got != "eventra.v1.events.unknown" {
		t.Errorf("Subject(empty) = %q", got)
	}
	if got := Subject("order.placed"); got != "eventra.v1.events.order_placed" {
		t.Errorf("Subject(dotted) = %q", got)
	}
	if got := EventTypeFromSubject("eventra.v1.events.OrderPlaced"); got != "OrderPlaced" {
		t.Errorf("EventTypeFromSubject = %q", got)
	}
	if got := EventTypeFromSubject("some.other.subject"); got != "" {
		t.Errorf("EventTypeFromSubject(foreign) = %q", got)
	}
	if !subjectMatches(WildcardSubject(), Subject("OrderPlaced")) {
		t.Error("wildcard subject does not match event subjects")
	}
}
