package saga

import (
	"context"
	"fmt"

	"github.com/eventra/eventra/pkg/logger"
)

// Recovery resumes interrupted sagas at service startup. Sagas whose
// type is not registered on this orchestrator are left alone; they
// belong to another service sharing the state map.
type Recovery struct {
	orchestrator *Orchestrator
	store        *StateStore
	log          logger.Logger
}

// NewRecovery creates a recovery coordinator.
func NewRecovery(orchestrator *Orchestrator, store *StateStore) (*Recovery, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("saga: orchestrator cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("saga: state store cannot be nil")
	}
	return &Recovery{
		orchestrator: orchestrator,
		store:        store,
		log:          logger.Global().With("component", "saga_recovery"),
	}, nil
}

// RecoverActive scans for sagas a previous run left non-terminal and
// resumes each one with a registered definition. It returns how many
// executions were restarted. Sagas already past their deadline resume
// straight into timeout finalization.
func (r *Recovery) RecoverActive(ctx context.Context, limit int) (int, error) {
	statuses := []Status{StatusStarted, StatusInProgress, StatusCompensating}

	recovered := 0
	var firstErr error
	seen := make(map[string]struct{})
	for _, status := range statuses {
		sagas, err := r.store.GetByStatus(ctx, status, limit)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, st := range sagas {
			// A saga resumed from an earlier status query may already
			// have moved into the next one.
			if _, ok := seen[st.SagaID]; ok {
				continue
			}
			seen[st.SagaID] = struct{}{}
			if _, ok := r.orchestrator.Definition(st.SagaType); !ok {
				continue
			}
			if _, err := r.orchestrator.Resume(ctx, st.SagaID); err != nil {
				r.log.Warn("saga resume failed",
					"saga_id", st.SagaID, "saga_type", st.SagaType, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			recovered++
			r.log.Info("saga resumed after restart",
				"saga_id", st.SagaID, "saga_type", st.SagaType, "status", status)
		}
	}

	if recovered > 0 {
		r.log.Info("saga recovery finished", "recovered", recovered)
	}
	return recovered, firstErr
}
