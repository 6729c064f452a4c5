// Package saga coordinates distributed transactions across services,
// either by choreography (each service reacts to bus events) or by a
// central orchestrator driving a step definition. Both styles share
// the grid-backed state store, compensation semantics and the timeout
// detector.
package saga

import (
	"fmt"
	"time"
)

// DefaultSagaTimeout is the overall deadline applied when a
// definition does not set one.
const DefaultSagaTimeout = 60 * time.Second

// DefaultStepTimeout bounds a single step execution when the step
// does not set its own timeout.
const DefaultStepTimeout = 30 * time.Second

// Definition is an immutable ordered list of saga steps. Build one
// with the fluent builder at startup and reuse it for every
// execution.
type Definition struct {
	SagaType           string
	Steps              []*StepDefinition
	Timeout            time.Duration
	DefaultStepTimeout time.Duration
}

// Builder incrementally constructs Definition values.
type Builder struct {
	def  *Definition
	errs []error
}

// New creates a saga definition builder.
func New(sagaType string) *Builder {
	return &Builder{
		def: &Definition{
			SagaType:           sagaType,
			Steps:              make([]*StepDefinition, 0),
			Timeout:            DefaultSagaTimeout,
			DefaultStepTimeout: DefaultStepTimeout,
		},
	}
}

// Step appends a step to the definition. Step numbers follow append
// order.
func (b *Builder) Step(name string, opts ...StepOption) *Builder {
	step := &StepDefinition{Name: name}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(step); err != nil {
			b.errs = append(b.errs, fmt.Errorf("step %q: %w", name, err))
		}
	}

	for _, existing := range b.def.Steps {
		if existing.Name == name {
			b.errs = append(b.errs, fmt.Errorf("duplicate step name: %s", name))
			return b
		}
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithTimeout sets the overall saga timeout, which becomes the
// absolute deadline of every execution.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.def.Timeout = timeout
	return b
}

// WithDefaultStepTimeout sets the timeout for steps without an
// explicit one.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	b.def.DefaultStepTimeout = timeout
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Validate validates the definition structure.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga: definition cannot be nil")
	}
	if d.SagaType == "" {
		return fmt.Errorf("saga: saga type cannot be empty")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("saga: timeout must be positive")
	}
	if d.DefaultStepTimeout < 0 {
		return fmt.Errorf("saga: default step timeout cannot be negative")
	}
	for i, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("saga: step %d is nil", i)
		}
		if step.Name == "" {
			return fmt.Errorf("saga: step %d has no name", i)
		}
		if step.Action == nil {
			return fmt.Errorf("saga: step %q missing action", step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("saga: step %q timeout cannot be negative", step.Name)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("saga: step %q max retries cannot be negative", step.Name)
		}
		if step.RetryDelay < 0 {
			return fmt.Errorf("saga: step %q retry delay cannot be negative", step.Name)
		}
	}
	return nil
}

// StepTimeoutFor returns the effective timeout for one step.
func (d *Definition) StepTimeoutFor(step *StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return d.DefaultStepTimeout
}

func (d *Definition) clone() *Definition {
	steps := make([]*StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		cp := *step
		steps[i] = &cp
	}
	return &Definition{
		SagaType:           d.SagaType,
		Steps:              steps,
		Timeout:            d.Timeout,
		DefaultStepTimeout: d.DefaultStepTimeout,
	}
}
