package domain

import (
	"context"
	"io"
)

// ObjectOptions describes an archived object.
type ObjectOptions struct {
	ContentType string
	// PartSize is the multipart chunk size. Writers clamp it to their
	// backend's minimum.
	PartSize int64
	// Metadata is stored alongside the object, e.g. the history seq range
	// an export covers.
	Metadata map[string]string
}

// BlobWriter uploads history exports to object storage. Keys are
// slash-separated and relative to the writer's bucket.
type BlobWriter interface {
	Put(ctx context.Context, key string, body io.Reader, opts ObjectOptions) error
	PutMultipart(ctx context.Context, key string, body io.Reader, opts ObjectOptions) error
}
