package driver

import (
	"errors"
	"fmt"

	"github.com/3leaps/gocohort/pkg/checkpoint"
	"github.com/3leaps/gocohort/pkg/cohort"
	"github.com/3leaps/gocohort/pkg/events"
)

// WorkerError carries a worker failure together with its originating rank.
//
// The first WorkerError cancels the run; peers observe the cancellation and
// exit. There is no partial-success state.
type WorkerError struct {
	// Rank is the world rank of the failed worker.
	Rank int

	// Err is the failure returned by the worker function.
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker rank %d: %v", e.Rank, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// ErrDriverClosed is returned by Fit on a driver whose run already finished.
var ErrDriverClosed = errors.New("driver: run already executed")

// errorCode maps a run failure onto its machine-readable event code.
func errorCode(err error) string {
	switch {
	case cohort.IsResourceUnavailable(err):
		return events.ErrCodeResourceUnavailable
	case cohort.IsSetupTimeout(err):
		return events.ErrCodeCollectiveTimeout
	case cohort.IsSyncMismatch(err):
		return events.ErrCodeSyncMismatch
	case checkpoint.IsUploadFailure(err):
		return events.ErrCodeUploadFailure
	default:
		return events.ErrCodeWorkerFailed
	}
}
