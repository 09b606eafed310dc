package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// PaymentStore implements domain.PaymentStore using PostgreSQL.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore creates a PaymentStore backed by the given pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// MarkUsed records a payment key as consumed. Returns domain.ErrPaymentUsed
// if the key was already present.
func (s *PaymentStore) MarkUsed(ctx context.Context, key common.Hash) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO used_payments (payment_key) VALUES ($1) ON CONFLICT DO NOTHING`,
		key.Hex(),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark payment used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentUsed
	}
	return nil
}

// Unmark removes a payment key from the replay registry. Used to undo a
// failed settlement; removing an absent key is not an error.
func (s *PaymentStore) Unmark(ctx context.Context, key common.Hash) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM used_payments WHERE payment_key = $1`, key.Hex())
	if err != nil {
		return fmt.Errorf("postgres: unmark payment: %w", err)
	}
	return nil
}

// ListUsed returns every consumed payment key. Called once at startup to
// rebuild the in-memory replay set.
func (s *PaymentStore) ListUsed(ctx context.Context) ([]common.Hash, error) {
	rows, err := s.pool.Query(ctx, `SELECT payment_key FROM used_payments`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list used payments: %w", err)
	}
	defer rows.Close()

	var out []common.Hash
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: scan payment key: %w", err)
		}
		out = append(out, common.HexToHash(key))
	}
	return out, rows.Err()
}

// RecordSettlement appends a settlement history record.
func (s *PaymentStore) RecordSettlement(ctx context.Context, rec domain.Settlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, payment_key, payer, recipient, value, fee, nonce, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Key.Hex(), rec.Payer.Hex(), rec.Recipient.Hex(),
		rec.Value, rec.Fee, rec.Nonce, rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record settlement %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteSettlement removes a settlement record. Used to undo a failed
// settlement.
func (s *PaymentStore) DeleteSettlement(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete settlement %s: %w", id, err)
	}
	return nil
}

// ListSettlements returns settlement records ordered by settlement time.
func (s *PaymentStore) ListSettlements(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error) {
	query := `SELECT id, payment_key, payer, recipient, value, fee, nonce, settled_at
		FROM settlements ORDER BY settled_at, id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var rec domain.Settlement
		var key, payer, recipient string
		if err := rows.Scan(&rec.ID, &key, &payer, &recipient,
			&rec.Value, &rec.Fee, &rec.Nonce, &rec.SettledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		rec.Key = common.HexToHash(key)
		rec.Payer = common.HexToAddress(payer)
		rec.Recipient = common.HexToAddress(recipient)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.PaymentStore = (*PaymentStore)(nil)
