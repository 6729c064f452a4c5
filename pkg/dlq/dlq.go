// Package dlq is the terminal store for events that exhausted their
// retries in the pipeline or the outbox. Entries stay until an
// operator replays or discards them; replays are capped so a
// poisoned event cannot loop through the system forever.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/eventra/eventra/pkg/event"
)

// DefaultReplayLimit caps admin replays per entry.
const DefaultReplayLimit = 3

// Sentinel errors returned by stores.
var (
	ErrNotFound    = errors.New("dlq: entry not found")
	ErrReplayLimit = errors.New("dlq: replay limit reached")
)

// Entry is one dead-lettered event.
type Entry struct {
	OriginalEventID string          `json:"original_event_id"`
	EventType       string          `json:"event_type"`
	TopicName       string          `json:"topic_name"`
	Payload         json.RawMessage `json:"payload"`
	FailureReason   string          `json:"failure_reason"`
	FailureStage    string          `json:"failure_stage,omitempty"`
	SourceService   string          `json:"source_service"`
	SagaID          string          `json:"saga_id,omitempty"`
	FirstFailureAt  time.Time       `json:"first_failure_at"`
	LastFailureAt   time.Time       `json:"last_failure_at"`
	ReplayAttempts  int             `json:"replay_attempts"`
}

// Event decodes the entry payload back into the event it carries.
func (e *Entry) Event() (*event.Event, error) {
	return event.Unmarshal(e.Payload)
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	EventType string
	Service   string
	Offset    int
	Limit     int
}

// Store is the persistence contract for dead letter entries. Entries
// are keyed by the original event id; re-adding an existing id keeps
// its first failure time and replay count.
type Store interface {
	Add(ctx context.Context, e *Entry) error
	Get(ctx context.Context, eventID string) (*Entry, error)
	// List returns entries in first-failure order plus the unpaged total.
	List(ctx context.Context, filter ListFilter) ([]*Entry, int, error)
	Count(ctx context.Context) (int, error)
	// ClaimReplay atomically increments the replay counter and returns
	// the updated entry, or ErrReplayLimit once limit is reached.
	ClaimReplay(ctx context.Context, eventID string, limit int) (*Entry, error)
	Discard(ctx context.Context, eventID string) error
}

// MetricsRecorder defines the interface for recording DLQ metrics.
type MetricsRecorder interface {
	SetDLQEntries(n float64)
	RecordDLQReplay(status string)
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) SetDLQEntries(v float64)       {}
func (n *nopMetrics) RecordDLQReplay(status string) {}

func mergeEntry(existing, incoming *Entry) *Entry {
	merged := *incoming
	merged.FirstFailureAt = existing.FirstFailureAt
	merged.ReplayAttempts = existing.ReplayAttempts
	if merged.LastFailureAt.IsZero() {
		merged.LastFailureAt = time.Now().UTC()
	}
	return &merged
}

func normalizeEntry(e *Entry) {
	now := time.Now().UTC()
	if e.FirstFailureAt.IsZero() {
		e.FirstFailureAt = now
	}
	if e.LastFailureAt.IsZero() {
		e.LastFailureAt = e.FirstFailureAt
	}
}

func matchesFilter(e *Entry, f ListFilter) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Service != "" && e.SourceService != f.Service {
		return false
	}
	return true
}

func pageEntries(entries []*Entry, f ListFilter) []*Entry {
	total := len(entries)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	return entries[offset:end]
}
