package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// minPartSize is the S3 floor for multipart parts (5 MiB); smaller requests
// are rejected by the service.
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter against the client's default bucket.
type Writer struct {
	client   *s3.Client
	bucket   string
	uploader *manager.Uploader
}

// NewWriter creates a Writer that uploads objects to the given client's
// configured bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client:   c.S3(),
		bucket:   c.Bucket(),
		uploader: manager.NewUploader(c.S3()),
	}
}

var _ domain.BlobWriter = (*Writer)(nil)

func (w *Writer) object(path string, data io.Reader) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(path),
		Body:   data,
	}
}

// Put uploads data in a single PutObject request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	input := w.object(path, data)
	input.ContentType = aws.String(contentType)

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager, which
// splits the payload into concurrently uploaded parts of partSize bytes
// (clamped to the S3 minimum).
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}

	_, err := w.uploader.Upload(ctx, w.object(path, data), func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}
