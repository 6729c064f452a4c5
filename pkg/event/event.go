// Package event defines the domain event model: the immutable Event
// value, its schematized Record payload, the partitioned sequence key
// that orders events per entity, and the type registry mapping event
// types to payload contracts and view appliers.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable domain event. Construct with New, then treat
// as read-only; the pipeline stamps the lifecycle timestamps before the
// event enters a stage, never after.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Source        string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	EntityKey     string    `json:"entity_key"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Saga fields, set when the event participates in a saga.
	SagaID         string `json:"saga_id,omitempty"`
	SagaType       string `json:"saga_type,omitempty"`
	StepNumber     int    `json:"step_number,omitempty"`
	IsCompensating bool   `json:"is_compensating,omitempty"`

	// Lifecycle timestamps.
	SubmittedAt       time.Time `json:"submitted_at"`
	PipelineEntryTime time.Time `json:"pipeline_entry_time"`

	Payload *Record `json:"payload,omitempty"`
}

// SagaMetadata carries the saga fields a caller may attach on submit.
type SagaMetadata struct {
	SagaID         string
	SagaType       string
	StepNumber     int
	IsCompensating bool
}

// NewEventInput is used to construct a new event.
type NewEventInput struct {
	EventType     string
	EntityKey     string
	Payload       *Record
	EventVersion  int
	CorrelationID string
}

// New creates an event with generated identity and a UTC timestamp.
func New(input NewEventInput) (*Event, error) {
	if input.EventType == "" {
		return nil, fmt.Errorf("event: event type is required")
	}
	if input.EntityKey == "" {
		return nil, fmt.Errorf("event: entity key is required")
	}
	version := input.EventVersion
	if version == 0 {
		version = 1
	}
	return &Event{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		EntityKey:     input.EntityKey,
		CorrelationID: input.CorrelationID,
		Payload:       input.Payload,
	}, nil
}

// Clone returns a deep copy, payload included.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = e.Payload.Clone()
	return &cp
}

// Saga reports whether the event participates in a saga.
func (e *Event) Saga() bool {
	return e.SagaID != ""
}

// Marshal encodes an event for grid storage and bus transport.
func Marshal(e *Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", e.EventID, err)
	}
	return data, nil
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: unmarshal: %w", err)
	}
	return &e, nil
}
