// Package resilience wraps side-effectful cross-service calls in
// named retry and circuit breaker instances. Failures carry a
// retryable tag: technical faults are retried and counted against the
// breaker, business rejections fail the call immediately and leave the
// breaker untouched.
package resilience

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// Stable business rejection codes, surfaced unchanged through saga
// outcomes and API responses.
const (
	CodeInsufficientStock = "insufficient_stock"
	CodePaymentDeclined   = "payment_declined"
	CodeValidationFailed  = "validation_failed"
)

// BusinessError is a domain rule rejection. It is never retried; the
// owning saga step fails and compensation runs.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InsufficientStock rejects a reservation that exceeds available stock.
func InsufficientStock(message string) error {
	return &BusinessError{Code: CodeInsufficientStock, Message: message}
}

// PaymentDeclined rejects a payment the provider refused.
func PaymentDeclined(message string) error {
	return &BusinessError{Code: CodePaymentDeclined, Message: message}
}

// ValidationFailed rejects input that failed domain validation.
func ValidationFailed(message string) error {
	return &BusinessError{Code: CodeValidationFailed, Message: message}
}

// Retryable reports whether a failed call may be re-executed. Unknown
// errors are treated as technical faults and retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BusinessError
	if errors.As(err, &be) {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	return true
}

// BusinessCode returns the stable code when err is a business
// rejection.
func BusinessCode(err error) (string, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code, true
	}
	return "", false
}

// IsCircuitOpen reports whether err is a breaker rejection. The owning
// saga step is recorded PENDING_RETRY instead of FAILED when it is.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
