package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/eventra/eventra/pkg/sourcing"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns a middleware that generates or extracts request IDs
// and seeds the sourcing correlation ID for the request. Events
// submitted through the API inherit the correlation ID, so a saga
// started over HTTP can be traced back to the originating call.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			// Callers may pin their own correlation ID; otherwise the
			// request ID doubles as one.
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			ctx = sourcing.WithCorrelationID(ctx, correlationID)
			r = r.WithContext(ctx)

			w.Header().Set("X-Request-ID", requestID)
			w.Header().Set("X-Correlation-ID", correlationID)

			next.ServeHTTP(w, r)
		})
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
