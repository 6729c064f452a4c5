package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/grid"
)

// MapName is the shared grid map holding saga state for all services.
const MapName = "SAGA_STATE"

// ErrNotFound is returned when a saga id has no stored state.
var ErrNotFound = errors.New("saga: saga not found")

// StateStore persists saga state in a shared grid map keyed by saga
// id. All mutations run through per-key atomic processors, so the
// orchestrator, choreography listeners and the timeout detector can
// race on the same saga without corrupting it.
type StateStore struct {
	m grid.Map
}

// NewStateStore creates a store over the given map.
func NewStateStore(m grid.Map) *StateStore {
	return &StateStore{m: m}
}

// Save writes a full snapshot, overwriting any existing state.
func (s *StateStore) Save(ctx context.Context, st *State) error {
	if st == nil {
		return fmt.Errorf("saga: state cannot be nil")
	}
	if st.SagaID == "" {
		return fmt.Errorf("saga: saga id is required")
	}
	if !st.Status.Valid() {
		return fmt.Errorf("saga: unknown status %q", st.Status)
	}
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	return s.m.Put(ctx, st.SagaID, data)
}

// Get returns the state for one saga id.
func (s *StateStore) Get(ctx context.Context, sagaID string) (*State, error) {
	data, ok, err := s.m.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
	}
	return UnmarshalState(data)
}

// CompleteSaga moves a saga to a terminal status. It is idempotent:
// when the saga is already terminal the stored state is returned
// unchanged and advanced is false. Concurrent finalizers on the same
// saga therefore act exactly once.
func (s *StateStore) CompleteSaga(ctx context.Context, sagaID string, terminal Status) (*State, bool, error) {
	if !terminal.Terminal() {
		return nil, false, fmt.Errorf("saga: %s is not a terminal status", terminal)
	}

	var result *State
	advanced := false
	_, err := s.m.Apply(ctx, sagaID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
		}
		st, err := UnmarshalState(current)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			result = st
			return current, nil
		}
		if err := st.TransitionTo(terminal); err != nil {
			return nil, err
		}
		result = st
		advanced = true
		return st.Marshal()
	})
	if err != nil {
		return nil, false, err
	}
	return result, advanced, nil
}

// UpdateStatus applies a non-terminal status transition atomically.
func (s *StateStore) UpdateStatus(ctx context.Context, sagaID string, next Status) (*State, error) {
	var result *State
	_, err := s.m.Apply(ctx, sagaID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
		}
		st, err := UnmarshalState(current)
		if err != nil {
			return nil, err
		}
		if err := st.TransitionTo(next); err != nil {
			return nil, err
		}
		result = st
		return st.Marshal()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateOrAddStep upserts one step record by step number.
func (s *StateStore) UpdateOrAddStep(ctx context.Context, sagaID string, step StepRecord) (*State, error) {
	var result *State
	_, err := s.m.Apply(ctx, sagaID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
		}
		st, err := UnmarshalState(current)
		if err != nil {
			return nil, err
		}
		st.UpsertStep(step)
		result = st
		return st.Marshal()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BeginCompensation moves a saga to COMPENSATING and marks every step
// still waiting to run as SKIPPED, in one atomic mutation. Calling it
// on a saga already compensating is a no-op apart from the skip
// marking.
func (s *StateStore) BeginCompensation(ctx context.Context, sagaID string) (*State, error) {
	var result *State
	_, err := s.m.Apply(ctx, sagaID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
		}
		st, err := UnmarshalState(current)
		if err != nil {
			return nil, err
		}
		if st.Status != StatusCompensating {
			if err := st.TransitionTo(StatusCompensating); err != nil {
				return nil, err
			}
		}
		now := time.Now().UTC()
		for i := range st.Steps {
			switch st.Steps[i].Status {
			case StepPending, StepPendingRetry:
				st.Steps[i].Status = StepSkipped
				st.Steps[i].Timestamp = now
			}
		}
		result = st
		return st.Marshal()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordStepResult upserts a step record and merges the step's result
// data into the persisted saga context in one atomic mutation.
func (s *StateStore) RecordStepResult(ctx context.Context, sagaID string, step StepRecord, data map[string]any) (*State, error) {
	var result *State
	_, err := s.m.Apply(ctx, sagaID, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("saga: %s: %w", sagaID, ErrNotFound)
		}
		st, err := UnmarshalState(current)
		if err != nil {
			return nil, err
		}
		st.UpsertStep(step)
		st.MergeContext(data)
		result = st
		return st.Marshal()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetByStatus returns up to limit sagas in the given status. A limit
// of zero or less means no cap.
func (s *StateStore) GetByStatus(ctx context.Context, status Status, limit int) ([]*State, error) {
	var out []*State
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		st, err := UnmarshalState(value)
		if err != nil {
			return true
		}
		if st.Status != status {
			return true
		}
		out = append(out, st)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByCorrelationID returns all sagas initiated under one correlation
// id.
func (s *StateStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*State, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("saga: correlation id is required")
	}
	var out []*State
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		st, err := UnmarshalState(value)
		if err != nil {
			return true
		}
		if st.CorrelationID == correlationID {
			out = append(out, st)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindTimedOut returns up to limit active sagas whose deadline has
// passed. Active means STARTED, IN_PROGRESS or COMPENSATING.
func (s *StateStore) FindTimedOut(ctx context.Context, limit int) ([]*State, error) {
	now := time.Now().UTC()
	var out []*State
	err := s.m.Scan(ctx, "", func(key string, value []byte) bool {
		st, err := UnmarshalState(value)
		if err != nil {
			return true
		}
		switch st.Status {
		case StatusStarted, StatusInProgress, StatusCompensating:
		default:
			return true
		}
		if !st.Deadline.Before(now) {
			return true
		}
		out = append(out, st)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
