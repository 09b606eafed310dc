package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// FeeStore implements domain.FeeStore using PostgreSQL.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore creates a FeeStore backed by the given pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

// SaveFeeState upserts the single fee-state row.
func (s *FeeStore) SaveFeeState(ctx context.Context, st domain.FeeState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_state (id, rate_bps, accrued) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET rate_bps = $1, accrued = $2`,
		st.RateBps, st.Accrued,
	)
	if err != nil {
		return fmt.Errorf("postgres: save fee state: %w", err)
	}
	return nil
}

// LoadFeeState reads the fee-state row; domain.ErrNotFound if never saved.
func (s *FeeStore) LoadFeeState(ctx context.Context) (domain.FeeState, error) {
	var st domain.FeeState
	err := s.pool.QueryRow(ctx,
		`SELECT rate_bps, accrued FROM fee_state WHERE id = 1`,
	).Scan(&st.RateBps, &st.Accrued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeeState{}, domain.ErrNotFound
		}
		return domain.FeeState{}, fmt.Errorf("postgres: load fee state: %w", err)
	}
	return st, nil
}

// AddTotals adjusts the per-account lifetime paid/received counters.
// Deltas may be negative when undoing a failed settlement.
func (s *FeeStore) AddTotals(ctx context.Context, addr common.Address, paidDelta, receivedDelta int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_totals (address, paid, received) VALUES ($1, $2, $3)
		 ON CONFLICT (address) DO UPDATE
		 SET paid = account_totals.paid + $2, received = account_totals.received + $3`,
		addr.Hex(), paidDelta, receivedDelta,
	)
	if err != nil {
		return fmt.Errorf("postgres: add totals for %s: %w", addr.Hex(), err)
	}
	return nil
}

// GetTotals reads the per-account counters; zero totals for unseen addresses.
func (s *FeeStore) GetTotals(ctx context.Context, addr common.Address) (domain.AccountTotals, error) {
	t := domain.AccountTotals{Address: addr}
	err := s.pool.QueryRow(ctx,
		`SELECT paid, received FROM account_totals WHERE address = $1`, addr.Hex(),
	).Scan(&t.Paid, &t.Received)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AccountTotals{Address: addr}, nil
		}
		return domain.AccountTotals{}, fmt.Errorf("postgres: get totals for %s: %w", addr.Hex(), err)
	}
	return t, nil
}

// Compile-time interface check.
var _ domain.FeeStore = (*FeeStore)(nil)
