package provider

import (
	"context"
	"io"
)

// Optional capabilities discovered by type assertion. Provider stays minimal
// so read-only backends remain easy to implement; writing components assert
// for the capability they need and report a clear error when it is missing.

// ObjectPutter can create or overwrite objects. The checkpoint uploader
// requires this on its durable store.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter can delete objects. Retention pruning, partial-upload
// cleanup, and write-probe preflight use it.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// MultipartUploader can open and abort multipart uploads. Preflight prefers
// a create-then-abort pair as its write probe since it leaves no object
// behind.
type MultipartUploader interface {
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// ObjectGetter can stream an object's content. Checkpoint restore requires
// this on the durable store.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// ObjectRanger can read a byte range of an object. Start and endInclusive
// follow HTTP range semantics; resumable restores use it to skip bytes
// already on disk.
type ObjectRanger interface {
	GetRange(ctx context.Context, key string, start, endInclusive int64) (body io.ReadCloser, contentLength int64, err error)
}
