package checkpoint

import (
	"errors"
	"fmt"
)

// ErrUploadFailure indicates a checkpoint upload exhausted its retries.
//
// The staging copy is retained when this error is returned, so the
// checkpoint can be recovered or re-uploaded manually.
var ErrUploadFailure = errors.New("checkpoint upload failed")

// UploadError reports a failed object upload with retry context.
type UploadError struct {
	// Key is the destination object key that failed.
	Key string

	// Attempts is how many times the upload was tried.
	Attempts int

	// Err is the last error from the store.
	Err error
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is reports ErrUploadFailure so callers can match the taxonomy sentinel.
func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailure
}

// IsUploadFailure returns true if the error indicates an exhausted upload.
func IsUploadFailure(err error) bool {
	return errors.Is(err, ErrUploadFailure)
}
