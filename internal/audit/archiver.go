package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// multipartThreshold is the batch size above which archives upload through
// the multipart path instead of a single PutObject.
const multipartThreshold int64 = 8 * 1024 * 1024

// Archiver offloads old audit events to blob storage as newline-delimited
// JSON, then prunes them from the primary store. Pruning only happens after
// the upload succeeds, so a failed archive never loses events.
type Archiver struct {
	store          domain.AuditStore
	writer         domain.BlobWriter
	logger         *slog.Logger
	retention      time.Duration
	multipartAbove int64
	now            func() time.Time
}

// NewArchiver creates an Archiver that keeps events younger than retention.
func NewArchiver(store domain.AuditStore, writer domain.BlobWriter, logger *slog.Logger, retention time.Duration) *Archiver {
	return &Archiver{
		store:          store,
		writer:         writer,
		logger:         logger.With(slog.String("component", "audit_archiver")),
		retention:      retention,
		multipartAbove: multipartThreshold,
		now:            time.Now,
	}
}

// RunOnce archives and prunes everything older than the retention cutoff.
// Returns the number of events archived.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-a.retention)

	events, err := a.store.ListBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("audit: archive query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalNDJSON(events)
	if err != nil {
		return 0, fmt.Errorf("audit: archive marshal: %w", err)
	}

	path := archivePath(a.now().UTC(), uuid.New().String())
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("audit: archive upload: %w", err)
	}

	pruned, err := a.store.Prune(ctx, cutoff)
	if err != nil {
		return int64(len(events)), fmt.Errorf("audit: prune after archive: %w", err)
	}

	a.logger.Info("audit events archived",
		slog.String("path", path),
		slog.Int("archived", len(events)),
		slog.Int64("pruned", pruned),
	)
	return int64(len(events)), nil
}

// Run archives on the given interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("audit archive cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// upload writes one archive batch, switching to a multipart upload when the
// payload is large enough to benefit from it.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) >= a.multipartAbove {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipartAbove)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath builds the blob key for one archive batch, partitioned by
// year-month with a timestamp and unique id per batch. Every batch gets its
// own object: earlier archives are never overwritten.
//
//	archive/audit/2026-08/20260810T000000Z-1b4e28ba-2fa1-11d2-883f-0016d3cca427.ndjson
func archivePath(batchTime time.Time, id string) string {
	return fmt.Sprintf("archive/audit/%s/%s-%s.ndjson",
		batchTime.Format("2006-01"), batchTime.Format("20060102T150405Z"), id)
}

// marshalNDJSON serialises events as newline-delimited JSON, one compact
// line per event.
func marshalNDJSON(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("ndjson encode event %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
