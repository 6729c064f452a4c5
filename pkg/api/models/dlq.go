package models

import (
	"encoding/json"
	"time"
)

// DLQEntryResponse is one parked event.
type DLQEntryResponse struct {
	OriginalEventID string          `json:"original_event_id"`
	EventType       string          `json:"event_type"`
	TopicName       string          `json:"topic_name,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	FailureReason   string          `json:"failure_reason"`
	FailureStage    string          `json:"failure_stage,omitempty"`
	SourceService   string          `json:"source_service,omitempty"`
	SagaID          string          `json:"saga_id,omitempty"`
	FirstFailureAt  time.Time       `json:"first_failure_at"`
	LastFailureAt   time.Time       `json:"last_failure_at"`
	ReplayAttempts  int             `json:"replay_attempts"`
}

// DLQListResponse is a page of parked events.
type DLQListResponse struct {
	Items  []DLQEntryResponse `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// DLQReplayResponse is returned when a parked event is re-dispatched.
type DLQReplayResponse struct {
	OriginalEventID string `json:"original_event_id"`
	ReplayAttempts  int    `json:"replay_attempts"`
	Outcome         string `json:"outcome"`
}

// DLQDiscardResponse acknowledges a discard.
type DLQDiscardResponse struct {
	OriginalEventID string `json:"original_event_id"`
	Discarded       bool   `json:"discarded"`
}
