package saga

import (
	"context"
	"time"
)

// ActionFunc executes a forward step. Returned data is merged into
// the saga context before the next step runs.
type ActionFunc func(ctx context.Context, sc *StepContext) (map[string]any, error)

// CompensationFunc semantically undoes a previously completed step.
type CompensationFunc func(ctx context.Context, cc *CompensationContext) error

// StepContext carries runtime information for forward execution.
type StepContext struct {
	SagaID     string
	StepNumber int
	StepName   string
	Context    *Context
}

// CompensationContext carries runtime information for compensation.
type CompensationContext struct {
	SagaID     string
	StepNumber int
	StepName   string
	FailedStep string
	Cause      error
	Context    *Context
}

// StepDefinition defines one executable unit of a saga.
type StepDefinition struct {
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// StepOption configures a step definition.
type StepOption func(step *StepDefinition) error

// Action configures the forward action function.
func Action(fn ActionFunc) StepOption {
	return func(step *StepDefinition) error {
		step.Action = fn
		return nil
	}
}

// Compensate configures the compensation function.
func Compensate(fn CompensationFunc) StepOption {
	return func(step *StepDefinition) error {
		step.Compensation = fn
		return nil
	}
}

// StepTimeout configures the per-step timeout.
func StepTimeout(timeout time.Duration) StepOption {
	return func(step *StepDefinition) error {
		step.Timeout = timeout
		return nil
	}
}

// StepRetry configures retry behavior for retryable step failures.
func StepRetry(maxRetries int, delay time.Duration) StepOption {
	return func(step *StepDefinition) error {
		step.MaxRetries = maxRetries
		step.RetryDelay = delay
		return nil
	}
}
