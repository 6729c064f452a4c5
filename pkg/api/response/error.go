package response

import (
	"errors"
	"net/http"

	"github.com/eventra/eventra/pkg/dlq"
	"github.com/eventra/eventra/pkg/resilience"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Stable API error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeBusinessRejected   = "BUSINESS_REJECTED"
	ErrCodeReplayLimit        = "REPLAY_LIMIT_REACHED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// HandleError maps a domain error onto the API's error envelope.
// Business rejections keep their stable resilience code in the details
// so clients can branch on insufficient_stock or payment_declined
// without parsing messages.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	if code, ok := resilience.BusinessCode(err); ok {
		ErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeBusinessRejected,
			err.Error(), map[string]any{"business_code": code}, requestID)
		return
	}

	switch {
	case errors.Is(err, dlq.ErrNotFound):
		Error(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), requestID)
	case errors.Is(err, dlq.ErrReplayLimit):
		Error(w, http.StatusConflict, ErrCodeReplayLimit, err.Error(), requestID)
	case resilience.IsCircuitOpen(err):
		Error(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error(), requestID)
	default:
		Error(w, http.StatusInternalServerError, ErrCodeInternalServer, err.Error(), requestID)
	}
}
