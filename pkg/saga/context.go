package saga

import "sync"

// Context is the thread-safe key value bag carried across the steps
// of one saga execution. Steps read prior results and publish new
// ones under their own keys.
type Context struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewContext creates an empty saga context.
func NewContext() *Context {
	return &Context{vals: make(map[string]any)}
}

// NewContextFrom creates a context seeded with initial values.
func NewContextFrom(initial map[string]any) *Context {
	c := NewContext()
	c.Merge(initial)
	return c
}

// Set stores one value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] = value
}

// Get returns one value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vals[key]
	return v, ok
}

// GetString returns one value as a string.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns one value as a float64.
func (c *Context) GetFloat(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// GetInt returns one value as an int64. Float values carrying a whole
// number convert, matching what JSON decoding produces.
func (c *Context) GetInt(key string) (int64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// Merge stores every entry of values.
func (c *Context) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.vals[k] = v
	}
}

// Snapshot returns a copy of all values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.vals))
	for k, v := range c.vals {
		out[k] = v
	}
	return out
}
