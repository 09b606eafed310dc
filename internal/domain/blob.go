package domain

import (
	"context"
	"io"
)

// BlobWriter uploads objects to long-term storage. Used by the audit
// archiver to offload old events before pruning.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
