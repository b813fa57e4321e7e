package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/gocohort/pkg/match"
)

var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// ObjectURI is a parsed storage location as given on the command line:
// a dataset prefix, a checkpoint store root, or a glob over dataset keys.
//
//	s3://ml-data/imagenet/train/
//	s3://ml-checkpoints/runs/resnet50/checkpoint_3/model.pt
//	s3://ml-data/imagenet/train/**/*.tfrecord
type ObjectURI struct {
	// Provider is the storage provider scheme, currently "s3".
	Provider string

	// Bucket is the bucket name.
	Bucket string

	// Key is the object key or prefix. For glob URIs it is the static
	// prefix usable for listing. Empty means the bucket root.
	Key string

	// Pattern holds the full glob when the URI contains one.
	Pattern string
}

// String renders the URI in canonical form.
func (u *ObjectURI) String() string {
	if u.Pattern != "" {
		return fmt.Sprintf("%s://%s/%s", u.Provider, u.Bucket, u.Pattern)
	}
	return fmt.Sprintf("%s://%s/%s", u.Provider, u.Bucket, u.Key)
}

// IsPattern reports whether the URI carries a glob.
func (u *ObjectURI) IsPattern() bool {
	return u.Pattern != ""
}

// IsPrefix reports whether the URI names a prefix rather than one object.
func (u *ObjectURI) IsPrefix() bool {
	return u.Key == "" || strings.HasSuffix(u.Key, "/")
}

// ParseURI splits a storage URI into provider, bucket, and key.
//
// The split is done by hand rather than with url.Parse: dataset globs
// legitimately contain '?', which url.Parse would eat as a query string.
// Glob detection is escape-aware, so "model\*.pt" is an exact key.
func ParseURI(uri string) (*ObjectURI, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme (expected s3://...)", ErrInvalidURI)
	}

	provider := strings.ToLower(scheme)
	if provider != "s3" {
		return nil, fmt.Errorf("%w: %s (supported: s3)", ErrUnsupportedProvider, provider)
	}
	if rest == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	if strings.ContainsAny(bucket, " \t") {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	parsed := &ObjectURI{Provider: provider, Bucket: bucket}
	if match.IsGlobPattern(key) {
		parsed.Pattern = key
		parsed.Key = match.DerivePrefix(key)
	} else {
		// DerivePrefix unescapes literal metacharacters for the store.
		parsed.Key = match.DerivePrefix(key)
	}
	return parsed, nil
}
