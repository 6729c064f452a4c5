package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome classifies how a submitted event finished.
type Outcome string

const (
	// OutcomeProcessed means every pipeline stage succeeded.
	OutcomeProcessed Outcome = "PROCESSED"
	// OutcomeSubmissionFailed means the event never entered the
	// pipeline, sequence assignment or staging failed.
	OutcomeSubmissionFailed Outcome = "SUBMISSION_FAILED"
	// OutcomePipelineFailed means a stage failed after retries were
	// exhausted.
	OutcomePipelineFailed Outcome = "PIPELINE_FAILED"
	// OutcomeOrphaned means the completion was never claimed and the
	// sweeper reaped it.
	OutcomeOrphaned Outcome = "ORPHANED"
)

// CompletionInfo records the terminal state of one submitted event. It
// is stored in the completion map until the submitter claims it, so it
// must survive a JSON round trip.
type CompletionInfo struct {
	EventID     string                 `json:"event_id"`
	Key         PartitionedSequenceKey `json:"key"`
	Outcome     Outcome                `json:"outcome"`
	Stage       string                 `json:"stage,omitempty"`
	Error       string                 `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Succeeded reports whether the event fully processed.
func (c CompletionInfo) Succeeded() bool {
	return c.Outcome == OutcomeProcessed
}

// EndToEnd returns the submit-to-completion latency.
func (c CompletionInfo) EndToEnd() time.Duration {
	if c.SubmittedAt.IsZero() || c.CompletedAt.IsZero() {
		return 0
	}
	return c.CompletedAt.Sub(c.SubmittedAt)
}

// Marshal encodes the completion for the completion map.
func (c CompletionInfo) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("event: marshal completion %s: %w", c.EventID, err)
	}
	return data, nil
}

// UnmarshalCompletion decodes a completion map entry.
func UnmarshalCompletion(data []byte) (CompletionInfo, error) {
	var c CompletionInfo
	if err := json.Unmarshal(data, &c); err != nil {
		return CompletionInfo{}, fmt.Errorf("event: unmarshal completion: %w", err)
	}
	return c, nil
}
