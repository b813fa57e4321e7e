package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorDetail is the "error" member of an HTTPErrorResponse.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON body every error response carries.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// httpStatusFor maps an error kind to an HTTP status code.
func httpStatusFor(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExternalService, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError writes err as a JSON error envelope with the status
// derived from its kind.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	WriteHTTPError(w, HTTPErrorDetail{
		Code:      string(kind),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	}, httpStatusFor(kind))
}

// WriteHTTPError writes one error detail as the standard JSON envelope.
func WriteHTTPError(w http.ResponseWriter, detail HTTPErrorDetail, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: detail})
}
