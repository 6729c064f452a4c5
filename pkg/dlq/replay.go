package dlq

import (
	"context"
	"fmt"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
)

// Publisher republishes replayed events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// ClaimReleaser drops idempotency claims before a replay so the
// replayed delivery is not suppressed as a duplicate.
type ClaimReleaser interface {
	Release(ctx context.Context, eventID string) error
}

// Replayer republishes dead-lettered events to their original topic,
// bounded by the per-entry replay cap.
type Replayer struct {
	store    Store
	pub      Publisher
	releaser ClaimReleaser
	limit    int
	log      logger.Logger
	metrics  MetricsRecorder
}

// NewReplayer creates a replayer. The claim releaser is optional.
func NewReplayer(store Store, pub Publisher, releaser ClaimReleaser, limit int) (*Replayer, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq: store cannot be nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("dlq: publisher cannot be nil")
	}
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &Replayer{
		store:    store,
		pub:      pub,
		releaser: releaser,
		limit:    limit,
		log:      logger.Global().With("component", "dlq"),
		metrics:  &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the replayer.
func (r *Replayer) SetMetrics(m MetricsRecorder) {
	if m != nil {
		r.metrics = m
	}
}

// Replay republishes one entry. The replay counter advances even when
// publication fails.
func (r *Replayer) Replay(ctx context.Context, eventID string) error {
	entry, err := r.store.ClaimReplay(ctx, eventID, r.limit)
	if err != nil {
		return err
	}

	ev, err := entry.Event()
	if err != nil {
		r.metrics.RecordDLQReplay("failed")
		return fmt.Errorf("dlq: replay %s: %w", eventID, err)
	}
	if r.releaser != nil {
		if err := r.releaser.Release(ctx, ev.EventID); err != nil {
			r.log.Warn("could not release idempotency claim",
				"event_id", ev.EventID, "error", err)
		}
	}

	if err := r.pub.Publish(ctx, ev); err != nil {
		r.metrics.RecordDLQReplay("failed")
		return fmt.Errorf("dlq: replay %s: %w", eventID, err)
	}
	r.metrics.RecordDLQReplay("delivered")
	r.log.Info("dead letter replayed",
		"event_id", eventID, "topic", entry.TopicName, "attempt", entry.ReplayAttempts)
	return nil
}

// Discard removes one entry without replaying it.
func (r *Replayer) Discard(ctx context.Context, eventID string) error {
	if err := r.store.Discard(ctx, eventID); err != nil {
		return err
	}
	updateGauge(ctx, r.store, r.metrics)
	r.log.Info("dead letter discarded", "event_id", eventID)
	return nil
}
