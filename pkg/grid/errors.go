package grid

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("grid: engine is closed")

// ConflictError indicates that an atomic update lost the contention
// race more times than the engine was willing to retry.
type ConflictError struct {
	Map string
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("grid: conflicting updates on %s/%s", e.Map, e.Key)
}

// UnavailableError indicates that the storage fabric could not be reached.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("grid: fabric unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
