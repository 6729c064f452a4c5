package models

import "time"

// SagaStartRequest starts an orchestrated saga.
type SagaStartRequest struct {
	// SagaType names a registered saga definition.
	SagaType string `json:"saga_type" validate:"required,min=1,max=100" example:"OrderFulfillment"`

	// Input seeds the saga context.
	Input map[string]any `json:"input,omitempty"`

	// CorrelationID links the saga to the business flow that started
	// it. Defaults to the request correlation ID.
	CorrelationID string `json:"correlation_id,omitempty" validate:"omitempty,max=200"`

	// Wait blocks the request until the saga reaches a terminal status
	// instead of returning right after the saga is accepted.
	Wait bool `json:"wait,omitempty"`
}

// SagaStartResponse is returned when a saga is accepted or, with
// wait=true, finished.
type SagaStartResponse struct {
	SagaID     string `json:"saga_id"`
	SagaType   string `json:"saga_type"`
	Status     string `json:"status"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SagaStepResponse is one step record in a saga status response.
type SagaStepResponse struct {
	StepNumber    int       `json:"step_number"`
	StepName      string    `json:"step_name"`
	Service       string    `json:"service,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// SagaStatusResponse returns the stored state for one saga instance.
type SagaStatusResponse struct {
	SagaID        string             `json:"saga_id"`
	SagaType      string             `json:"saga_type"`
	Status        string             `json:"status"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	CurrentStep   int                `json:"current_step"`
	TotalSteps    int                `json:"total_steps"`
	StartedAt     time.Time          `json:"started_at"`
	Deadline      time.Time          `json:"deadline"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Steps         []SagaStepResponse `json:"steps"`
	Context       map[string]any     `json:"context,omitempty"`
}

// SagaSummary is one row in a list response.
type SagaSummary struct {
	SagaID        string     `json:"saga_id"`
	SagaType      string     `json:"saga_type"`
	Status        string     `json:"status"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CurrentStep   int        `json:"current_step"`
	TotalSteps    int        `json:"total_steps"`
}

// SagaListResponse is a list of saga summaries.
type SagaListResponse struct {
	Items []SagaSummary `json:"items"`
	Total int           `json:"total"`
	Limit int           `json:"limit"`
}

// SagaFilter defines filtering options for listing sagas.
type SagaFilter struct {
	// Status filters by saga status.
	Status string `json:"status,omitempty"`

	// CorrelationID filters by correlation ID.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Limit is the maximum number of results to return.
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
}

// SagaCompensateRequest is used for manual compensation trigger.
type SagaCompensateRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// SagaActionResponse is returned by compensate/resume operations.
type SagaActionResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// SagaTimelineEntry is one journaled transition in a saga's history.
type SagaTimelineEntry struct {
	Sequence uint64    `json:"sequence"`
	Kind     string    `json:"kind"`
	Step     string    `json:"step,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// SagaTimelineResponse is the journaled history of one saga.
type SagaTimelineResponse struct {
	SagaID  string              `json:"saga_id"`
	Entries []SagaTimelineEntry `json:"entries"`
	Total   int                 `json:"total"`
}
