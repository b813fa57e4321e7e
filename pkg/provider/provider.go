// Package provider abstracts the object stores that back checkpoint
// persistence and dataset catalogs.
//
// The core Provider interface covers listing and metadata; everything else
// (puts, deletes, gets, ranged reads, delimiter listing) is an optional
// capability asserted at the call site. Implementations authenticate through
// their SDK's default credential chain and must be safe for concurrent use.
package provider

import (
	"context"
	"time"
)

// Provider is the read surface shared by every object store backend.
type Provider interface {
	// List returns one page of objects under the prefix. Pass the returned
	// ContinuationToken back in to fetch the next page.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for one object, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List call.
type ListOptions struct {
	// Prefix restricts results to keys starting with this value. Empty
	// lists the whole store.
	Prefix string

	// ContinuationToken resumes from a previous page. Empty starts over.
	ContinuationToken string

	// MaxKeys caps the page size. Zero takes the backend default.
	MaxKeys int
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken fetches the next page; empty means done.
	ContinuationToken string

	// IsTruncated reports whether more results remain.
	IsTruncated bool
}

// ObjectSummary is the per-object metadata a listing returns.
type ObjectSummary struct {
	// Key is the full object key.
	Key string

	// Size in bytes.
	Size int64

	// ETag as reported by the backend, typically a content hash.
	ETag string

	// LastModified is the backend's modification timestamp.
	LastModified time.Time
}

// ObjectMeta is the full metadata Head returns for one object.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the stored MIME type.
	ContentType string

	// Metadata holds user-defined key-value pairs.
	Metadata map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 ProviderType = "s3"

	// ProviderFile is a local filesystem store.
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
