package events

import "context"

// TypePreflight identifies store preflight records.
const TypePreflight = "gocohort.preflight.v1"

// Store error codes reported by preflight checks.
const (
	// ErrCodeAccessDenied indicates the store rejected the credentials or
	// the operation.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates the bucket, base dir, or key does not exist.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeThrottled indicates the store rate-limited the request.
	ErrCodeThrottled = "THROTTLED"
)

// PreflightCheckResult is one capability's probe outcome.
type PreflightCheckResult struct {
	// Capability is a stable name, e.g. "store.write" or "dataset.list".
	Capability string `json:"capability"`

	// Allowed reports whether the probe succeeded.
	Allowed bool `json:"allowed"`

	// Method describes the call used to probe.
	Method string `json:"method,omitempty"`

	// ErrorCode carries the normalized store error when Allowed is false.
	ErrorCode string `json:"error_code,omitempty"`

	// Detail carries the raw error message when Allowed is false.
	Detail string `json:"detail,omitempty"`
}

// PreflightRecord is the data payload for a store preflight run.
type PreflightRecord struct {
	// Mode is the preflight mode: plan-only, read-safe, or write-probe.
	Mode string `json:"mode"`

	// ProbeStrategy is the write probe strategy, when a write probe ran.
	ProbeStrategy string `json:"probe_strategy,omitempty"`

	// ProbePrefix is the key prefix probe objects were created under.
	ProbePrefix string `json:"probe_prefix,omitempty"`

	// Results are the per-capability outcomes in execution order.
	Results []PreflightCheckResult `json:"results"`
}

// WritePreflight emits a preflight record.
//
// Preflight runs before a Writer-consuming run exists, so this is a
// JSONLWriter method rather than part of the Writer interface.
func (jw *JSONLWriter) WritePreflight(ctx context.Context, rec *PreflightRecord) error {
	return jw.writeRecord(ctx, TypePreflight, rec)
}
