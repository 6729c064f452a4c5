package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eventra/eventra/pkg/logger"
)

// BreakerConfig controls one circuit breaker.
type BreakerConfig struct {
	// SlidingWindowSize is the minimum number of recorded calls before
	// the failure rate is evaluated.
	SlidingWindowSize uint32

	// FailureRateThreshold is the failure ratio at which the breaker
	// trips open.
	FailureRateThreshold float64

	// WaitDurationInOpen is how long the breaker stays open before
	// permitting a half-open probe.
	WaitDurationInOpen time.Duration

	// CountResetInterval clears closed-state call counts so old
	// traffic stops diluting the failure rate.
	CountResetInterval time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SlidingWindowSize:    10,
		FailureRateThreshold: 0.5,
		WaitDurationInOpen:   10 * time.Second,
		CountResetInterval:   60 * time.Second,
	}
}

func (c *BreakerConfig) fillDefaults() {
	def := DefaultBreakerConfig()
	if c.SlidingWindowSize == 0 {
		c.SlidingWindowSize = def.SlidingWindowSize
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.WaitDurationInOpen == 0 {
		c.WaitDurationInOpen = def.WaitDurationInOpen
	}
	if c.CountResetInterval == 0 {
		c.CountResetInterval = def.CountResetInterval
	}
}

// Breaker fails calls fast while a downstream dependency is unhealthy.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	log     logger.Logger
	metrics MetricsRecorder
}

// NewBreaker creates a named circuit breaker. Zero config fields take
// defaults.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if name == "" {
		return nil, fmt.Errorf("resilience: breaker name is required")
	}
	cfg.fillDefaults()
	if cfg.FailureRateThreshold < 0 || cfg.FailureRateThreshold > 1 {
		return nil, fmt.Errorf("resilience: failure rate threshold must be within [0, 1]")
	}

	b := &Breaker{
		name:    name,
		log:     logger.Global().With("component", "resilience", "breaker", name),
		metrics: &nopMetrics{},
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.CountResetInterval,
		Timeout:     cfg.WaitDurationInOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.SlidingWindowSize {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= cfg.FailureRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.metrics.SetBreakerState(name, stateValue(to))
			b.log.Warn("circuit breaker state changed",
				"from", from.String(), "to", to.String())
		},
		// A business rejection is a healthy response from the
		// dependency, only technical faults count against it.
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
	})
	return b, nil
}

// SetMetrics sets the metrics recorder for the breaker.
func (b *Breaker) SetMetrics(m MetricsRecorder) {
	if m != nil {
		b.metrics = m
		b.metrics.SetBreakerState(b.name, stateValue(b.cb.State()))
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Execute runs op through the breaker. While the breaker is open the
// call is rejected without running op; IsCircuitOpen identifies that
// rejection.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if op == nil {
		return fmt.Errorf("resilience: operation cannot be nil")
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err != nil && IsCircuitOpen(err) {
		b.metrics.RecordBreakerRejection(b.name)
		return fmt.Errorf("resilience: breaker %s rejected call: %w", b.name, err)
	}
	return err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
