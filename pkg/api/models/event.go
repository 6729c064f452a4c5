// Package models defines API request/response data structures.
package models

import "time"

// EventSubmitRequest represents an event submission.
type EventSubmitRequest struct {
	// EventType names a registered event type.
	EventType string `json:"event_type" validate:"required,min=1,max=100" example:"OrderCreated"`

	// EntityKey selects the entity whose view the event updates. Events
	// for the same key process in submission order.
	EntityKey string `json:"entity_key" validate:"required,min=1,max=200" example:"order-1001"`

	// Schema names the payload record schema.
	Schema string `json:"schema,omitempty" validate:"omitempty,max=100" example:"order"`

	// Payload holds the event payload fields.
	Payload map[string]any `json:"payload,omitempty"`

	// EventVersion is the payload contract version. Defaults to 1.
	EventVersion int `json:"event_version,omitempty" validate:"omitempty,min=1"`
}

// EventSubmitResponse reports the pipeline outcome for a submitted
// event. The API waits for the completion, so the caller gets the
// final outcome in one round trip.
type EventSubmitResponse struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	EntityKey   string    `json:"entity_key"`
	Outcome     string    `json:"outcome"`
	Stage       string    `json:"stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	Sequence    uint64    `json:"sequence"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// StoredEventResponse is one journal entry in a history response.
type StoredEventResponse struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	EntityKey     string         `json:"entity_key"`
	Sequence      uint64         `json:"sequence"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SagaID        string         `json:"saga_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventHistoryResponse is the ordered journal slice for one entity.
type EventHistoryResponse struct {
	EntityKey string                `json:"entity_key"`
	Events    []StoredEventResponse `json:"events"`
	Total     int                   `json:"total"`
}

// ViewResponse is the current materialized view for one entity.
type ViewResponse struct {
	EntityKey string         `json:"entity_key"`
	Schema    string         `json:"schema,omitempty"`
	Fields    map[string]any `json:"fields"`
}
