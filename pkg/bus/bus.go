package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eventra/eventra/pkg/event"
	"github.com/eventra/eventra/pkg/logger"
)

// Handler receives decoded events from a subscription.
type Handler func(ctx context.Context, ev *event.Event)

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// MetricsRecorder defines the interface for recording bus metrics.
type MetricsRecorder interface {
	RecordTopicPublish(topic string, duration time.Duration)
	RecordBusPublish(status string)
	RecordBusRetry()
	RecordSignatureFailure()
}

// Config controls bus identity and publish behavior.
type Config struct {
	// Service is the identity stamped on outgoing envelopes.
	Service string
	// SigningKey enables envelope signing when non-empty.
	SigningKey []byte
	Retry      RetryConfig
}

// Bus publishes sealed events and dispatches subscriptions. One Bus is
// shared by a service's outbox relay, saga listeners and admin feeds.
type Bus struct {
	service   string
	transport Transport
	registry  *event.Registry
	signer    *Signer
	retry     RetryConfig
	log       logger.Logger
	metrics   MetricsRecorder
}

// New creates a bus over the given transport. The registry is optional
// and enables payload validation on both directions.
func New(transport Transport, registry *event.Registry, cfg Config) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("bus: transport cannot be nil")
	}
	if cfg.Service == "" {
		return nil, fmt.Errorf("bus: service name is required")
	}
	retry := cfg.Retry
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("bus: max retries cannot be negative")
	}
	def := DefaultRetryConfig()
	if retry.MaxRetries == 0 {
		retry.MaxRetries = def.MaxRetries
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = def.InitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = def.MaxBackoff
	}
	if retry.BackoffFactor < 1 {
		retry.BackoffFactor = def.BackoffFactor
	}

	var signer *Signer
	if len(cfg.SigningKey) > 0 {
		signer = NewSigner(cfg.SigningKey)
	}
	return &Bus{
		service:   cfg.Service,
		transport: transport,
		registry:  registry,
		signer:    signer,
		retry:     retry,
		log:       logger.Global().With("component", "bus", "service", cfg.Service),
		metrics:   &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the bus.
func (b *Bus) SetMetrics(m MetricsRecorder) {
	if m != nil {
		b.metrics = m
	}
}

// Publish seals the event and publishes it to its type subject with
// retry and backoff. Satisfies the pipeline's publisher contract.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return fmt.Errorf("bus: publish nil event")
	}
	if b.registry != nil {
		if err := b.registry.Validate(ev); err != nil {
			var unknown *event.UnknownTypeError
			if !errors.As(err, &unknown) {
				return fmt.Errorf("bus: outgoing validation: %w", err)
			}
			b.log.Debug("publishing unregistered event type", "event_type", ev.EventType)
		}
	}

	env, err := Seal(ev, b.service, b.signer)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	subject := Subject(ev.EventType)

	start := time.Now()
	backoff := b.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= b.retry.MaxRetries; attempt++ {
		publishErr = b.transport.Publish(ctx, subject, data)
		if publishErr == nil {
			b.metrics.RecordTopicPublish(subject, time.Since(start))
			b.metrics.RecordBusPublish("success")
			return nil
		}
		if attempt == b.retry.MaxRetries {
			break
		}
		b.metrics.RecordBusRetry()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, b.retry.MaxBackoff, b.retry.BackoffFactor)
	}

	b.metrics.RecordBusPublish("failed")
	return fmt.Errorf("bus: publish %s: %w", subject, publishErr)
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("bus: event type is required")
	}
	return b.subscribe(Subject(eventType), handler)
}

// SubscribeAll registers a handler for every event subject.
func (b *Bus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(WildcardSubject(), handler)
}

func (b *Bus) subscribe(pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("bus: handler cannot be nil")
	}
	return b.transport.Subscribe(pattern, func(subject string, payload []byte) {
		env, err := DecodeEnvelope(payload)
		if err != nil {
			b.log.Warn("dropping undecodable envelope", "subject", subject, "error", err)
			return
		}

		if b.signer != nil {
			if err := b.signer.Verify(env); err != nil {
				// Warn-only rollout: record and keep processing.
				b.metrics.RecordSignatureFailure()
				b.log.Warn("envelope signature verification failed",
					"event_id", env.EventID, "source", env.SourceService, "error", err)
			}
		}

		ev, err := env.Event()
		if err != nil {
			b.log.Warn("dropping envelope with undecodable event",
				"event_id", env.EventID, "error", err)
			return
		}

		if b.registry != nil {
			if err := b.registry.Validate(ev); err != nil {
				b.log.Warn("skipping event that failed incoming validation",
					"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
				return
			}
		}
		handler(context.Background(), ev)
	})
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordTopicPublish(topic string, duration time.Duration) {}
func (n *nopMetrics) RecordBusPublish(status string)                          {}
func (n *nopMetrics) RecordBusRetry()                                         {}
func (n *nopMetrics) RecordSignatureFailure()                                 {}
