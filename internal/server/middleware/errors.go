package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/gocohort/internal/errors"
	"github.com/3leaps/gocohort/internal/observability"
)

// ErrorResponse is the JSON body written for recovered panics and handler
// errors. It mirrors apperrors.HTTPErrorResponse so every error surface in
// the server shares one shape.
type ErrorResponse struct {
	Error struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		RequestID string                 `json:"request_id,omitempty"`
		Details   map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// Recovery converts panics into 500 responses with a JSON error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.Logger().Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())))

				envelope := apperrors.NewErrorEnvelope(
					"INTERNAL_ERROR",
					fmt.Sprintf("panic: %v", rec),
				)
				if id := GetRequestID(r.Context()); id != "" {
					envelope = envelope.WithCorrelationID(id)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for route-level composition.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse renders an envelope as the standard JSON error body.
func writeErrorResponse(w http.ResponseWriter, envelope *apperrors.ErrorEnvelope, statusCode int) {
	var resp ErrorResponse
	resp.Error.Code = envelope.Code
	resp.Error.Message = envelope.Message
	resp.Error.RequestID = envelope.CorrelationID
	if len(envelope.Context) > 0 {
		resp.Error.Details = envelope.Context
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
