package saga

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of one saga.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusStarted: {
		StatusInProgress:   {},
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
		StatusTimedOut:     {},
	},
	StatusInProgress: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
		StatusTimedOut:     {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
		StatusTimedOut:    {},
	},
}

// Terminal reports whether the status is final. Terminal statuses are
// sticky: no transition out of them is ever valid.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known saga status.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusInProgress, StatusCompleted, StatusCompensating,
		StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid. A
// same-status transition is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("saga: invalid transition %s -> %s", current, next)
	}
	return nil
}

// StepStatus is the lifecycle state of one saga step.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepSkipped      StepStatus = "SKIPPED"
	StepCompensated  StepStatus = "COMPENSATED"
	StepPendingRetry StepStatus = "PENDING_RETRY"
	StepTimedOut     StepStatus = "TIMED_OUT"
)

// StepRecord is the persisted execution record of one step. Records
// are owned by their State value, never shared across sagas.
type StepRecord struct {
	StepNumber    int        `json:"step_number"`
	StepName      string     `json:"step_name"`
	Service       string     `json:"service,omitempty"`
	EventType     string     `json:"event_type,omitempty"`
	Status        StepStatus `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// State is the durable snapshot of one saga execution, stored in the
// shared saga state map keyed by SagaID.
type State struct {
	SagaID        string       `json:"saga_id"`
	SagaType      string       `json:"saga_type"`
	Status        Status       `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	CurrentStep   int          `json:"current_step"`
	TotalSteps    int          `json:"total_steps"`
	Deadline      time.Time    `json:"deadline"`
	Steps         []StepRecord `json:"steps"`

	// ContextData persists step results so an interrupted orchestration
	// can resume with the saga context it had.
	ContextData map[string]any `json:"context,omitempty"`
}

// NewState creates the initial snapshot for a starting saga.
func NewState(sagaID, sagaType string, totalSteps int, deadline time.Time) *State {
	return &State{
		SagaID:     sagaID,
		SagaType:   sagaType,
		Status:     StatusStarted,
		StartedAt:  time.Now().UTC(),
		TotalSteps: totalSteps,
		Deadline:   deadline,
		Steps:      make([]StepRecord, 0, totalSteps),
	}
}

// TransitionTo applies a status transition. CompletedAt is set exactly
// once, on first entry to a terminal status.
func (s *State) TransitionTo(next Status) error {
	if err := ValidateTransition(s.Status, next); err != nil {
		return err
	}
	if next.Terminal() && s.CompletedAt == nil {
		done := time.Now().UTC()
		s.CompletedAt = &done
	}
	s.Status = next
	return nil
}

// UpsertStep appends the record if its step number is new, else
// overwrites the existing record. CurrentStep tracks the highest step
// seen.
func (s *State) UpsertStep(step StepRecord) {
	found := false
	for i := range s.Steps {
		if s.Steps[i].StepNumber == step.StepNumber {
			s.Steps[i] = step
			found = true
			break
		}
	}
	if !found {
		s.Steps = append(s.Steps, step)
	}
	if step.StepNumber > s.CurrentStep {
		s.CurrentStep = step.StepNumber
	}
}

// Step returns the record for one step number.
func (s *State) Step(stepNumber int) (StepRecord, bool) {
	for _, step := range s.Steps {
		if step.StepNumber == stepNumber {
			return step, true
		}
	}
	return StepRecord{}, false
}

// CompletedSteps returns step numbers currently in COMPLETED status,
// in ascending order.
func (s *State) CompletedSteps() []int {
	out := make([]int, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.Status == StepCompleted {
			out = append(out, step.StepNumber)
		}
	}
	sort.Ints(out)
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Steps = make([]StepRecord, len(s.Steps))
	copy(cp.Steps, s.Steps)
	if s.CompletedAt != nil {
		done := *s.CompletedAt
		cp.CompletedAt = &done
	}
	if s.ContextData != nil {
		cp.ContextData = make(map[string]any, len(s.ContextData))
		for k, v := range s.ContextData {
			cp.ContextData[k] = v
		}
	}
	return &cp
}

// MergeContext copies step result data into the persisted saga context.
func (s *State) MergeContext(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if s.ContextData == nil {
		s.ContextData = make(map[string]any, len(data))
	}
	for k, v := range data {
		s.ContextData[k] = v
	}
}

// Marshal encodes the state for grid storage.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a stored state snapshot.
func UnmarshalState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("saga: unmarshal state: %w", err)
	}
	return &st, nil
}
