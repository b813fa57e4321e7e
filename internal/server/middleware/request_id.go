// Package middleware provides the HTTP middleware chain for the status
// server: request identification and panic recovery with JSON error
// envelopes.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// requestIDKey stores the request ID in the request context.
const requestIDKey contextKey = "request_id"

// RequestIDHeader is the header request IDs are read from and echoed to.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID, preferring the caller-supplied
// header and generating one otherwise. The ID is echoed in the response
// and stored in the request context for error envelopes.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
