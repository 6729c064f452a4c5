// Package events fans saga lifecycle notifications out to in-process
// subscribers, primarily the websocket handler.
package events

import (
	"sync"
	"time"

	"github.com/eventra/eventra/pkg/saga"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastSagaStatusChanged emits a saga status change event.
func (b *Broadcaster) BroadcastSagaStatusChanged(st *saga.State, eventType string) {
	if st == nil {
		return
	}
	payload := map[string]any{
		"saga_id":      st.SagaID,
		"saga_type":    st.SagaType,
		"status":       string(st.Status),
		"current_step": st.CurrentStep,
		"total_steps":  st.TotalSteps,
	}
	if st.CorrelationID != "" {
		payload["correlation_id"] = st.CorrelationID
	}
	if st.CompletedAt != nil {
		payload["completed_at"] = st.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	b.Broadcast(Event{Type: eventType, Payload: payload})
}

// BroadcastSagaStepChanged emits a step status change event.
func (b *Broadcaster) BroadcastSagaStepChanged(st *saga.State, step saga.StepRecord, eventType string) {
	if st == nil {
		return
	}
	payload := map[string]any{
		"saga_id":     st.SagaID,
		"saga_type":   st.SagaType,
		"step_number": step.StepNumber,
		"step_name":   step.StepName,
		"status":      string(step.Status),
	}
	if step.FailureReason != "" {
		payload["failure_reason"] = step.FailureReason
	}

	b.Broadcast(Event{Type: eventType, Payload: payload})
}

// Hooks returns orchestrator lifecycle hooks that feed the broadcaster.
// Register them on the orchestrator to stream saga progress to
// websocket clients.
func (b *Broadcaster) Hooks() saga.LifecycleHooks {
	return saga.LifecycleHooks{
		SagaStarted: func(st *saga.State) {
			b.BroadcastSagaStatusChanged(st, "saga.started")
		},
		StepStarted: func(st *saga.State, step saga.StepRecord) {
			b.BroadcastSagaStepChanged(st, step, "saga.step_started")
		},
		StepCompleted: func(st *saga.State, step saga.StepRecord) {
			b.BroadcastSagaStepChanged(st, step, "saga.step_completed")
		},
		StepFailed: func(st *saga.State, step saga.StepRecord) {
			b.BroadcastSagaStepChanged(st, step, "saga.step_failed")
		},
		SagaCompleted: func(st *saga.State) {
			b.BroadcastSagaStatusChanged(st, "saga.completed")
		},
		SagaCompensated: func(st *saga.State) {
			b.BroadcastSagaStatusChanged(st, "saga.compensated")
		},
		SagaTimedOut: func(st *saga.State) {
			b.BroadcastSagaStatusChanged(st, "saga.timed_out")
		},
	}
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
