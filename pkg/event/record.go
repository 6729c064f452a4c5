package event

import (
	"sort"
	"time"
)

// Record is a schematized field map used as event payload and as the
// materialized view value. The schema names the shape; fields hold the
// data. Records round-trip through JSON, so the typed getters coerce
// the decoded forms (numbers arrive as float64, times as RFC3339
// strings). Not safe for concurrent mutation.
type Record struct {
	Schema string         `json:"schema"`
	Fields map[string]any `json:"fields"`
}

// NewRecord creates an empty record with the given schema name.
func NewRecord(schema string) *Record {
	return &Record{
		Schema: schema,
		Fields: make(map[string]any),
	}
}

// Set stores a field value and returns the record for chaining.
func (r *Record) Set(field string, value any) *Record {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
	return r
}

// Has reports whether the field is present.
func (r *Record) Has(field string) bool {
	if r == nil {
		return false
	}
	_, ok := r.Fields[field]
	return ok
}

// Get returns the raw field value.
func (r *Record) Get(field string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	return v, ok
}

// GetString returns the field as a string.
func (r *Record) GetString(field string) (string, bool) {
	v, ok := r.Get(field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the field as an int64, coercing the numeric forms a
// JSON round trip can produce.
func (r *Record) GetInt(field string) (int64, bool) {
	v, ok := r.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetFloat returns the field as a float64.
func (r *Record) GetFloat(field string) (float64, bool) {
	v, ok := r.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetBool returns the field as a bool.
func (r *Record) GetBool(field string) (bool, bool) {
	v, ok := r.Get(field)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetTime returns the field as a time, accepting time values and the
// RFC3339 strings they decode to.
func (r *Record) GetTime(field string) (time.Time, bool) {
	v, ok := r.Get(field)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// FieldNames returns the field names in sorted order.
func (r *Record) FieldNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow-field copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{
		Schema: r.Schema,
		Fields: fields,
	}
}
