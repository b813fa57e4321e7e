package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/gocohort/internal/errors"
)

// HTTPErrorResponder writes an error to an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// httpErrorResponder is the active responder. Defaults to the standard
// JSON envelope; tests and embedders may swap it.
var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// SetHTTPErrorResponder replaces the active responder. A nil responder
// resets to the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

// respondWithError routes handler errors through the active responder.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
