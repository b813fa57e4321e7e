package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors every provider normalizes its backend failures to. Callers
// branch on these with errors.Is or the Is* helpers rather than inspecting
// backend-specific error types.
var (
	// ErrNotFound: the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied: the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound: the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials: authentication failed outright.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable: the backing service is down or unreachable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled: the backend rate-limited the request.
	ErrThrottled = errors.New("request throttled")
)

// ProviderError carries the operation, backend, and object coordinates of a
// failed call alongside the normalized sentinel.
type ProviderError struct {
	Op       string       // failed operation, e.g. "List", "Head", "PutObject"
	Provider ProviderType // backend that produced the error
	Bucket   string       // bucket, when the operation targets one
	Key      string       // object key, when the operation targets one
	Err      error        // underlying error, usually wrapping a sentinel
}

func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied reports whether err means the caller lacks permission.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound reports whether err means the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials reports whether err means authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsProviderUnavailable reports whether err means the backend is unreachable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled reports whether err means the backend rate-limited the call.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsRetryable reports whether the failure is transient. Checkpoint uploads
// and preflight retries use this to separate throttling and outages, which
// back off, from missing objects and denied access, which fail immediately.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}
