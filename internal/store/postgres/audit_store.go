package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. Event payloads
// are stored as JSONB.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one event to the audit log.
func (s *AuditStore) Log(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4)`,
		ev.ID, ev.Type, payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", ev.ID, err)
	}
	return nil
}

// ListBefore returns events created strictly before the cutoff, oldest
// first. A limit of 0 means no limit.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Event, error) {
	query := `SELECT id, event_type, payload, created_at
		FROM audit_log WHERE created_at < $1 ORDER BY created_at, id`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal audit payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events created strictly before the cutoff and returns the
// number of rows removed.
func (s *AuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
