package service

import (
	"github.com/eventra/eventra/pkg/dlq"
	"github.com/eventra/eventra/pkg/metrics"
)

// Option is a functional option for configuring the Runtime.
type Option func(*Runtime)

// WithMetrics wires the metrics manager into every component the
// runtime builds.
func WithMetrics(m *metrics.Manager) Option {
	return func(r *Runtime) {
		if m != nil {
			r.manager = m
		}
	}
}

// WithDLQStore replaces the configured DLQ backend with the given
// store. The runtime does not close an injected store on Stop.
func WithDLQStore(store dlq.Store) Option {
	return func(r *Runtime) {
		if store != nil {
			r.deadLetters = store
		}
	}
}
