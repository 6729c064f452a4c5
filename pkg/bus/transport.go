package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MessageHandler receives raw envelope bytes for a subject.
type MessageHandler func(subject string, payload []byte)

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport moves envelope bytes between services. Patterns support
// exact subjects, "*" single-segment and ">" tail wildcards.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(pattern string, handler MessageHandler) (Subscription, error)
	Close() error
}

type memoryMessage struct {
	subject string
	payload []byte
}

type memorySub struct {
	transport *MemoryTransport
	pattern   string
	handler   MessageHandler
	ch        chan memoryMessage
	once      sync.Once
}

func (s *memorySub) run() {
	for msg := range s.ch {
		s.handler(msg.subject, msg.payload)
	}
}

// Unsubscribe removes the subscription and stops its dispatch loop.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.transport.remove(s)
		close(s.ch)
	})
	return nil
}

// MemoryTransport is an in-process transport for tests and single-node
// deployments. Each subscription dispatches from its own goroutine;
// slow handlers drop messages rather than block publishers.
type MemoryTransport struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		buffer: 256,
		subs:   make(map[*memorySub]struct{}),
	}
}

// Publish delivers to every matching subscription.
func (t *MemoryTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("bus: subject cannot be empty")
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("bus: transport is closed")
	}
	targets := make([]*memorySub, 0, len(t.subs))
	for sub := range t.subs {
		if subjectMatches(sub.pattern, subject) {
			targets = append(targets, sub)
		}
	}
	t.mu.RUnlock()

	msg := memoryMessage{subject: subject, payload: append([]byte(nil), payload...)}
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			// non-blocking drop for slow subscribers
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (t *MemoryTransport) Subscribe(pattern string, handler MessageHandler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("bus: subscription pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("bus: handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("bus: transport is closed")
	}

	sub := &memorySub{
		transport: t,
		pattern:   pattern,
		handler:   handler,
		ch:        make(chan memoryMessage, t.buffer),
	}
	t.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Close drops every subscription.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*memorySub, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*memorySub]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (t *MemoryTransport) remove(sub *memorySub) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		if prefix == "" {
			return true
		}
		return subject == prefix || strings.HasPrefix(subject, prefix+".")
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}
