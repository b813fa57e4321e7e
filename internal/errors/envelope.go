package errors

// ErrorEnvelope is the wire shape of one surfaced error.
//
// Envelopes are built where the error is handled (middleware, handlers) and
// rendered as the "error" member of an HTTPErrorResponse.
type ErrorEnvelope struct {
	// Code is a stable machine-readable error code, e.g. "NOT_FOUND".
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// CorrelationID ties the error to the originating request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Context carries structured detail fields.
	Context map[string]interface{} `json:"context,omitempty"`
}

// NewErrorEnvelope creates an envelope with a code and message.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: message}
}

// WithCorrelationID returns the envelope with the correlation ID set.
func (e *ErrorEnvelope) WithCorrelationID(id string) *ErrorEnvelope {
	e.CorrelationID = id
	return e
}

// WithContext attaches structured detail fields to the envelope.
func (e *ErrorEnvelope) WithContext(ctx map[string]interface{}) (*ErrorEnvelope, error) {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, len(ctx))
	}
	for k, v := range ctx {
		e.Context[k] = v
	}
	return e, nil
}
