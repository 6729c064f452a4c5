package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Applier folds one event into the current view record for its entity.
// A nil current record means no view exists yet; returning nil deletes
// the view entry.
type Applier func(current *Record, ev *Event) (*Record, error)

// Definition describes one registered event type: its payload schema
// name, version, and the fields every instance must carry.
type Definition struct {
	EventType string
	Version   int
	Required  []string
}

// UnknownTypeError is returned when validation meets an event type the
// registry has no definition for. Consumers treat it as a warning and
// skip the event rather than failing.
type UnknownTypeError struct {
	EventType string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("event: unknown event type %q", e.EventType)
}

// Registry maps event types to their payload definitions and view
// appliers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	appliers map[string]Applier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		appliers: make(map[string]Applier),
	}
}

// Register adds an event type with its applier. The applier may be nil
// for event types that do not feed a view. Registering a type twice is
// an error.
func (r *Registry) Register(def Definition, apply Applier) error {
	if def.EventType == "" {
		return fmt.Errorf("event: definition requires an event type")
	}
	if def.Version <= 0 {
		def.Version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.EventType]; exists {
		return fmt.Errorf("event: type %q already registered", def.EventType)
	}
	r.defs[def.EventType] = def
	if apply != nil {
		r.appliers[def.EventType] = apply
	}
	return nil
}

// ApplierFor returns the view applier for an event type.
func (r *Registry) ApplierFor(eventType string) (Applier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appliers[eventType]
	return a, ok
}

// DefinitionFor returns the registered definition for an event type.
func (r *Registry) DefinitionFor(eventType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[eventType]
	return d, ok
}

// Known reports whether the event type is registered.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[eventType]
	return ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks an event against its registered definition. Unknown
// types yield an UnknownTypeError; missing required payload fields are
// reported together.
func (r *Registry) Validate(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event: validate nil event")
	}
	def, ok := r.DefinitionFor(ev.EventType)
	if !ok {
		return &UnknownTypeError{EventType: ev.EventType}
	}
	if len(def.Required) == 0 {
		return nil
	}

	var missing []string
	for _, field := range def.Required {
		if !ev.Payload.Has(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("event: %s payload missing required fields: %s",
			ev.EventType, strings.Join(missing, ", "))
	}
	return nil
}
