package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/bus"
	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
	"github.com/eventra/eventra/pkg/outbox"
)

// PipelineSink adapts a Store to the pipeline's dead letter contract.
type PipelineSink struct {
	store   Store
	service string
	log     logger.Logger
	metrics MetricsRecorder
}

// NewPipelineSink creates a sink for events the pipeline gave up on.
func NewPipelineSink(store Store, service string) (*PipelineSink, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq: store cannot be nil")
	}
	if service == "" {
		return nil, fmt.Errorf("dlq: service name is required")
	}
	return &PipelineSink{
		store:   store,
		service: service,
		log:     logger.Global().With("component", "dlq", "service", service),
		metrics: &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the sink.
func (s *PipelineSink) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// Add records an event whose pipeline deliveries are exhausted.
func (s *PipelineSink) Add(ctx context.Context, ev *event.Event, stage string, cause error) error {
	if ev == nil {
		return fmt.Errorf("dlq: event cannot be nil")
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	source := ev.Source
	if source == "" {
		source = s.service
	}
	now := time.Now().UTC()
	entry := &Entry{
		OriginalEventID: ev.EventID,
		EventType:       ev.EventType,
		TopicName:       bus.Subject(ev.EventType),
		Payload:         payload,
		FailureReason:   causeString(cause),
		FailureStage:    stage,
		SourceService:   source,
		SagaID:          ev.SagaID,
		FirstFailureAt:  now,
		LastFailureAt:   now,
	}
	if err := s.store.Add(ctx, entry); err != nil {
		return err
	}
	s.log.Error("event dead lettered",
		"event_id", ev.EventID, "event_type", ev.EventType, "stage", stage, "error", cause)
	updateGauge(ctx, s.store, s.metrics)
	return nil
}

// OutboxSink adapts a Store to the outbox relay's dead letter contract.
type OutboxSink struct {
	store   Store
	service string
	log     logger.Logger
	metrics MetricsRecorder
}

// NewOutboxSink creates a sink for entries the relay gave up on.
func NewOutboxSink(store Store, service string) (*OutboxSink, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq: store cannot be nil")
	}
	if service == "" {
		return nil, fmt.Errorf("dlq: service name is required")
	}
	return &OutboxSink{
		store:   store,
		service: service,
		log:     logger.Global().With("component", "dlq", "service", service),
		metrics: &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the sink.
func (s *OutboxSink) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// Add records an outbox entry whose delivery exhausted retries. A
// payload that no longer decodes is kept under the outbox entry id so
// operators can still inspect it.
func (s *OutboxSink) Add(ctx context.Context, e *outbox.Entry, cause error) error {
	if e == nil {
		return fmt.Errorf("dlq: outbox entry cannot be nil")
	}
	now := time.Now().UTC()
	entry := &Entry{
		OriginalEventID: e.EntryID,
		TopicName:       e.DestinationTopic,
		Payload:         e.Payload,
		FailureReason:   causeString(cause),
		FailureStage:    "outbox",
		SourceService:   s.service,
		FirstFailureAt:  now,
		LastFailureAt:   now,
	}
	if ev, err := e.Event(); err == nil {
		entry.OriginalEventID = ev.EventID
		entry.EventType = ev.EventType
		entry.SagaID = ev.SagaID
		if ev.Source != "" {
			entry.SourceService = ev.Source
		}
	}
	if err := s.store.Add(ctx, entry); err != nil {
		return err
	}
	s.log.Error("outbox entry dead lettered",
		"entry_id", e.EntryID, "topic", e.DestinationTopic, "error", cause)
	updateGauge(ctx, s.store, s.metrics)
	return nil
}

func causeString(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func updateGauge(ctx context.Context, store Store, metrics MetricsRecorder) {
	n, err := store.Count(ctx)
	if err != nil {
		return
	}
	metrics.SetDLQEntries(float64(n))
}
