package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/eventra/eventra/pkg/logger"
)

// MetricsRecorder records resilience metrics. The metrics package
// satisfies it.
type MetricsRecorder interface {
	SetBreakerState(name string, state float64)
	RecordBreakerRejection(name string)
	RecordRetryAttempt(instance string)
}

// Config composes the retry and breaker settings of one instance.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig
}

// DefaultConfig returns the default instance configuration.
func DefaultConfig() Config {
	return Config{
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
	}
}

// Instance wraps one named cross-service call in a circuit breaker
// with retry around it. A breaker rejection surfaces immediately so
// the caller can park the work instead of spinning against an open
// breaker.
type Instance struct {
	name    string
	retry   RetryConfig
	breaker *Breaker
	log     logger.Logger
	metrics MetricsRecorder
}

// NewInstance creates a named instance. Zero config fields take
// defaults.
func NewInstance(name string, cfg Config) (*Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("resilience: instance name is required")
	}
	breaker, err := NewBreaker(name, cfg.Breaker)
	if err != nil {
		return nil, err
	}
	cfg.Retry.fillDefaults()
	return &Instance{
		name:    name,
		retry:   cfg.Retry,
		breaker: breaker,
		log:     logger.Global().With("component", "resilience", "instance", name),
		metrics: &nopMetrics{},
	}, nil
}

// SetMetrics sets the metrics recorder for the instance.
func (i *Instance) SetMetrics(m MetricsRecorder) {
	if m != nil {
		i.metrics = m
		i.breaker.SetMetrics(m)
	}
}

// Name returns the instance name.
func (i *Instance) Name() string {
	return i.name
}

// Breaker returns the underlying circuit breaker.
func (i *Instance) Breaker() *Breaker {
	return i.breaker
}

// Execute runs op under the instance's breaker and retry policy.
func (i *Instance) Execute(ctx context.Context, op func(context.Context) error) error {
	return Retry(ctx, i.retry, func(ctx context.Context) error {
		return i.breaker.Execute(ctx, op)
	}, func(attempt int, err error) {
		i.metrics.RecordRetryAttempt(i.name)
		i.log.Debug("retrying call", "attempt", attempt, "error", err)
	})
}

// Registry hands out shared instances by name, creating them on first
// use from the default config plus any per-instance override.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	instances map[string]*Instance
	metrics   MetricsRecorder
}

// NewRegistry creates a registry with the given default config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Config),
		instances: make(map[string]*Instance),
		metrics:   &nopMetrics{},
	}
}

// SetMetrics sets the metrics recorder for current and future
// instances.
func (r *Registry) SetMetrics(m MetricsRecorder) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	for _, inst := range r.instances {
		inst.SetMetrics(m)
	}
}

// Configure overrides the config used when the named instance is
// created. It has no effect on an instance that already exists.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg
}

// Instance returns the named instance, creating it if needed.
func (r *Registry) Instance(name string) (*Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("resilience: instance name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[name]; ok {
		return inst, nil
	}
	cfg := r.defaults
	if override, ok := r.overrides[name]; ok {
		cfg = override
	}
	inst, err := NewInstance(name, cfg)
	if err != nil {
		return nil, err
	}
	inst.SetMetrics(r.metrics)
	r.instances[name] = inst
	return inst, nil
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) SetBreakerState(name string, state float64) {}
func (n *nopMetrics) RecordBreakerRejection(name string)         {}
func (n *nopMetrics) RecordRetryAttempt(instance string)         {}
