package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig controls re-execution of a failed call.
type RetryConfig struct {
	// MaxAttempts bounds total executions, the first included.
	MaxAttempts int

	// WaitDuration is the delay before the first re-execution.
	WaitDuration time.Duration

	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		WaitDuration: 500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func (c *RetryConfig) fillDefaults() {
	def := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.WaitDuration == 0 {
		c.WaitDuration = def.WaitDuration
	}
	if c.Multiplier == 0 {
		c.Multiplier = def.Multiplier
	}
}

// Retry runs op until it succeeds, fails in a way that cannot be
// retried, or MaxAttempts executions are spent. onRetry, when set,
// observes each re-execution with the attempt number about to run and
// the error that caused it.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error, onRetry func(attempt int, err error)) error {
	cfg.fillDefaults()
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("resilience: max attempts must be positive")
	}
	if op == nil {
		return fmt.Errorf("resilience: operation cannot be nil")
	}

	wait := cfg.WaitDuration
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = time.Duration(float64(wait) * cfg.Multiplier)
	}
	return lastErr
}
