package cohort

import (
	"errors"
	"fmt"
)

// Sentinel errors for worker group and collective operations.
var (
	// ErrResourceUnavailable indicates the pool cannot satisfy the full
	// scaling spec atomically. The run never starts.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrCollectiveSetupTimeout indicates a worker did not join the
	// collective within the join timeout. The whole collective is torn down.
	ErrCollectiveSetupTimeout = errors.New("collective setup timeout")

	// ErrCollectiveClosed indicates an operation was attempted on a
	// collective that has been torn down.
	ErrCollectiveClosed = errors.New("collective closed")

	// ErrSyncMismatch indicates workers disagree on the structure of the
	// data being synchronized (vector lengths, parameter shapes).
	ErrSyncMismatch = errors.New("sync mismatch")
)

// CollectiveError wraps collective operation failures with context.
type CollectiveError struct {
	// Op is the operation that failed (e.g., "Join", "AllReduce").
	Op string

	// Rank is the world rank the operation was called from.
	Rank int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CollectiveError) Error() string {
	return fmt.Sprintf("collective %s: rank %d: %v", e.Op, e.Rank, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CollectiveError) Unwrap() error {
	return e.Err
}

// SpecError represents a scaling spec validation error.
type SpecError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *SpecError) Error() string {
	return "scaling spec: " + e.Field + ": " + e.Message
}

// IsResourceUnavailable returns true if the error indicates insufficient
// cluster capacity.
func IsResourceUnavailable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable)
}

// IsSetupTimeout returns true if the error indicates a collective join timed out.
func IsSetupTimeout(err error) bool {
	return errors.Is(err, ErrCollectiveSetupTimeout)
}

// IsSyncMismatch returns true if the error indicates structural disagreement
// among workers.
func IsSyncMismatch(err error) bool {
	return errors.Is(err, ErrSyncMismatch)
}
