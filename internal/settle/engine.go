// Package settle implements the dual-signature micropayment settlement
// engine: it verifies a payer's authorization and permit signatures, applies
// replay protection, splits the platform fee, and moves value from payer to
// recipient.
//
// Like the question ledger, the engine is a strictly serialized single-writer
// state machine: one mutex guards every public operation for its full
// duration. Batch settlement holds that mutex once and runs the unguarded
// per-item helper in a loop, so items cannot deadlock against the outer
// guard. Any item failure rolls the whole batch back through an undo
// journal; no partial balance mutation and no nonce consumption survives a
// failed operation.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// feeDenominator converts basis points to a fraction.
const feeDenominator = 10_000

// Params are the construction-time constants of an engine instance.
type Params struct {
	// ChainID binds authorization digests to the active network.
	ChainID int64

	// FeeBps is the initial platform fee rate in basis points.
	FeeBps int64

	// FeeCapBps is the hard cap the owner can never raise the rate above.
	FeeCapBps int64

	// MaxValue caps a single settlement's value. Chosen so fee arithmetic
	// cannot overflow int64; larger values are rejected, never truncated.
	MaxValue int64

	// DeadlineWindow is how far in the future an authorization deadline may
	// lie. Zero disables the check.
	DeadlineWindow time.Duration
}

// DefaultParams returns the production defaults.
func DefaultParams(chainID int64) Params {
	return Params{
		ChainID:        chainID,
		FeeBps:         100,  // 1%
		FeeCapBps:      1000, // 10%
		MaxValue:       1_000_000_000_000_000,
		DeadlineWindow: 24 * time.Hour,
	}
}

// Item is one settlement tuple: the authorization plus its two signatures.
type Item struct {
	Auth      domain.PaymentAuthorization
	PermitSig []byte
	AuthSig   []byte
}

// Engine executes settlements against the treasury.
type Engine struct {
	mu sync.Mutex

	payments domain.PaymentStore
	fees     domain.FeeStore
	treasury domain.Treasury
	audit    domain.AuditSink
	logger   *slog.Logger
	params   Params
	now      func() time.Time

	owner      common.Address
	engineAddr common.Address // instance identity bound into signed digests

	paused  bool
	feeBps  int64
	accrued int64
	used    map[common.Hash]struct{}
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine and loads the replay registry and fee state from
// the stores.
func New(
	ctx context.Context,
	payments domain.PaymentStore,
	fees domain.FeeStore,
	treasury domain.Treasury,
	audit domain.AuditSink,
	logger *slog.Logger,
	params Params,
	owner, engineAddr common.Address,
	opts ...Option,
) (*Engine, error) {
	if owner == (common.Address{}) || engineAddr == (common.Address{}) {
		return nil, domain.ErrInvalidIdentity
	}
	if params.FeeBps < 0 || params.FeeBps > params.FeeCapBps {
		return nil, domain.ErrFeeTooHigh
	}

	e := &Engine{
		payments:   payments,
		fees:       fees,
		treasury:   treasury,
		audit:      audit,
		logger:     logger.With(slog.String("component", "settle")),
		params:     params,
		now:        time.Now,
		owner:      owner,
		engineAddr: engineAddr,
		feeBps:     params.FeeBps,
		used:       make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	keys, err := payments.ListUsed(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: load replay registry: %w", err)
	}
	for _, k := range keys {
		e.used[k] = struct{}{}
	}

	st, err := fees.LoadFeeState(ctx)
	switch {
	case err == nil:
		if st.RateBps > params.FeeCapBps {
			return nil, domain.ErrFeeTooHigh
		}
		e.feeBps = st.RateBps
		e.accrued = st.Accrued
	case err == domain.ErrNotFound:
		// First boot: persist the configured initial state.
		if err := fees.SaveFeeState(ctx, domain.FeeState{RateBps: e.feeBps}); err != nil {
			return nil, fmt.Errorf("settle: init fee state: %w", err)
		}
	default:
		return nil, fmt.Errorf("settle: load fee state: %w", err)
	}

	return e, nil
}

// Settle executes one payment authorization. Every precondition fails
// closed; on any failure the operation leaves no trace, including the
// replay-registry mark.
func (e *Engine) Settle(ctx context.Context, auth domain.PaymentAuthorization, permitSig, authSig []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return domain.ErrPaused
	}

	j := &journal{}
	if err := e.settleOne(ctx, auth, permitSig, authSig, j); err != nil {
		j.rollback(ctx, e.logger)
		return err
	}
	return nil
}

// SettleBatch executes the items sequentially inside one critical section.
// The batch is atomic: if any item fails, every already-applied item is
// rolled back and the error of the failing item is returned.
func (e *Engine) SettleBatch(ctx context.Context, items []Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return domain.ErrPaused
	}
	if len(items) == 0 {
		return domain.ErrZeroValue
	}

	j := &journal{}
	for i, it := range items {
		if err := e.settleOne(ctx, it.Auth, it.PermitSig, it.AuthSig, j); err != nil {
			j.rollback(ctx, e.logger)
			return fmt.Errorf("settle: batch item %d: %w", i, err)
		}
	}
	return nil
}

// settleOne runs the per-item settlement steps. Callers hold e.mu and own
// the journal's rollback on failure.
func (e *Engine) settleOne(ctx context.Context, auth domain.PaymentAuthorization, permitSig, authSig []byte, j *journal) error {
	// Step 1: shape validation.
	if auth.Payer == (common.Address{}) || auth.Recipient == (common.Address{}) {
		return domain.ErrInvalidIdentity
	}
	if auth.Spender != e.engineAddr {
		return domain.ErrInvalidIdentity
	}
	if auth.Value <= 0 {
		return domain.ErrZeroValue
	}
	if auth.Value > e.params.MaxValue {
		return domain.ErrOverflow
	}
	now := e.now()
	if now.After(auth.Deadline) {
		return domain.ErrDeadlineExpired
	}
	if e.params.DeadlineWindow > 0 && auth.Deadline.After(now.Add(e.params.DeadlineWindow)) {
		return domain.ErrDeadlineTooFar
	}

	// Step 2: replay protection. The key is marked used before any value
	// moves, closing the reentrant double-spend window; the journal unwinds
	// the mark if a later step fails.
	key := auth.Key()
	if _, dup := e.used[key]; dup {
		return domain.ErrPaymentUsed
	}
	if err := e.payments.MarkUsed(ctx, key); err != nil {
		return fmt.Errorf("settle: mark payment used: %w", err)
	}
	e.used[key] = struct{}{}
	j.add(func(ctx context.Context) error {
		delete(e.used, key)
		return e.payments.Unmark(ctx, key)
	})

	// Step 3: the authorization signature must recover to the payer. The
	// digest covers the recipient, so a substituted recipient invalidates it.
	digest := crypto.AuthorizationDigest(e.params.ChainID, e.engineAddr, auth)
	if err := crypto.VerifySigner(digest, authSig, auth.Payer); err != nil {
		return fmt.Errorf("settle: authorization: %w", err)
	}

	// Step 4: the permit signature grants the engine a one-time allowance.
	if err := e.treasury.Permit(ctx, auth.Payer, e.engineAddr, auth.Value, auth.Deadline, permitSig); err != nil {
		return fmt.Errorf("settle: permit: %w", err)
	}
	j.add(func(context.Context) error {
		e.treasury.Revoke(auth.Payer, e.engineAddr)
		return nil
	})

	// Step 5: fee split.
	fee := auth.Value * e.feeBps / feeDenominator
	recipientAmount := auth.Value - fee

	// Step 6: value movement and totals.
	if err := e.treasury.TransferFrom(auth.Payer, e.engineAddr, auth.Recipient, recipientAmount); err != nil {
		return fmt.Errorf("settle: transfer to recipient: %w", err)
	}
	j.add(func(context.Context) error {
		return e.treasury.Transfer(auth.Recipient, auth.Payer, recipientAmount)
	})

	if fee > 0 {
		if err := e.treasury.TransferFrom(auth.Payer, e.engineAddr, e.engineAddr, fee); err != nil {
			return fmt.Errorf("settle: transfer fee: %w", err)
		}
		j.add(func(context.Context) error {
			return e.treasury.Transfer(e.engineAddr, auth.Payer, fee)
		})

		prevAccrued := e.accrued
		e.accrued += fee
		if err := e.fees.SaveFeeState(ctx, domain.FeeState{RateBps: e.feeBps, Accrued: e.accrued}); err != nil {
			e.accrued = prevAccrued
			return fmt.Errorf("settle: persist fee state: %w", err)
		}
		j.add(func(ctx context.Context) error {
			e.accrued = prevAccrued
			return e.fees.SaveFeeState(ctx, domain.FeeState{RateBps: e.feeBps, Accrued: prevAccrued})
		})
	}

	if err := e.fees.AddTotals(ctx, auth.Payer, auth.Value, 0); err != nil {
		return fmt.Errorf("settle: payer totals: %w", err)
	}
	j.add(func(ctx context.Context) error {
		return e.fees.AddTotals(ctx, auth.Payer, -auth.Value, 0)
	})

	if err := e.fees.AddTotals(ctx, auth.Recipient, 0, recipientAmount); err != nil {
		return fmt.Errorf("settle: recipient totals: %w", err)
	}
	j.add(func(ctx context.Context) error {
		return e.fees.AddTotals(ctx, auth.Recipient, 0, -recipientAmount)
	})

	// Step 7: settlement record and audit event.
	rec := domain.Settlement{
		ID:        uuid.New().String(),
		Key:       key,
		Payer:     auth.Payer,
		Recipient: auth.Recipient,
		Value:     auth.Value,
		Fee:       fee,
		Nonce:     auth.Nonce,
		SettledAt: now,
	}
	if err := e.payments.RecordSettlement(ctx, rec); err != nil {
		return fmt.Errorf("settle: record settlement: %w", err)
	}
	j.add(func(ctx context.Context) error {
		return e.payments.DeleteSettlement(ctx, rec.ID)
	})

	e.audit.Emit(ctx, domain.EventSettlement, map[string]any{
		"settlement_id": rec.ID,
		"payer":         auth.Payer.Hex(),
		"recipient":     auth.Recipient.Hex(),
		"value":         auth.Value,
		"fee":           fee,
		"nonce":         fmt.Sprintf("%x", auth.Nonce),
	})
	e.logger.InfoContext(ctx, "payment settled",
		slog.String("payer", auth.Payer.Hex()),
		slog.String("recipient", auth.Recipient.Hex()),
		slog.Int64("value", auth.Value),
		slog.Int64("fee", fee),
	)
	return nil
}

// UpdateFee changes the platform fee rate. Owner-gated; the hard cap can
// never be exceeded.
func (e *Engine) UpdateFee(ctx context.Context, caller common.Address, bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return domain.ErrNotOwner
	}
	if bps < 0 || bps > e.params.FeeCapBps {
		return domain.ErrFeeTooHigh
	}

	prev := e.feeBps
	e.feeBps = bps
	if err := e.fees.SaveFeeState(ctx, domain.FeeState{RateBps: bps, Accrued: e.accrued}); err != nil {
		e.feeBps = prev
		return fmt.Errorf("settle: persist fee rate: %w", err)
	}

	e.audit.Emit(ctx, domain.EventFeeUpdated, map[string]any{
		"previous_bps": prev,
		"next_bps":     bps,
	})
	return nil
}

// WithdrawFees transfers the accrued platform fee balance to the given
// account and zeroes it. Owner-gated; the balance is zeroed before the
// transfer and restored if the transfer fails.
func (e *Engine) WithdrawFees(ctx context.Context, caller, to common.Address) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return 0, domain.ErrNotOwner
	}
	if to == (common.Address{}) {
		return 0, domain.ErrInvalidIdentity
	}
	amount := e.accrued
	if amount == 0 {
		return 0, domain.ErrZeroValue
	}

	e.accrued = 0
	if err := e.fees.SaveFeeState(ctx, domain.FeeState{RateBps: e.feeBps}); err != nil {
		e.accrued = amount
		return 0, fmt.Errorf("settle: persist fee withdrawal: %w", err)
	}

	if err := e.treasury.Transfer(e.engineAddr, to, amount); err != nil {
		e.accrued = amount
		if rbErr := e.fees.SaveFeeState(ctx, domain.FeeState{RateBps: e.feeBps, Accrued: amount}); rbErr != nil {
			e.logger.ErrorContext(ctx, "fee withdrawal rollback failed",
				slog.String("error", rbErr.Error()),
			)
		}
		return 0, fmt.Errorf("settle: fee transfer: %w", err)
	}

	e.audit.Emit(ctx, domain.EventFeesWithdrawn, map[string]any{
		"to":     to.Hex(),
		"amount": amount,
	})
	return amount, nil
}

// Pause is the owner's emergency stop. While paused, Settle and SettleBatch
// fail closed with ErrPaused; administrative operations stay available.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return domain.ErrNotOwner
	}
	if !e.paused {
		e.paused = true
		e.audit.Emit(ctx, domain.EventPaused, map[string]any{"owner": caller.Hex()})
		e.logger.WarnContext(ctx, "engine paused")
	}
	return nil
}

// Unpause lifts the emergency stop. Owner-gated.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return domain.ErrNotOwner
	}
	if e.paused {
		e.paused = false
		e.audit.Emit(ctx, domain.EventUnpaused, map[string]any{"owner": caller.Hex()})
		e.logger.InfoContext(ctx, "engine unpaused")
	}
	return nil
}

// Paused reports whether the emergency stop is active.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// FeeBps returns the active fee rate in basis points.
func (e *Engine) FeeBps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// AccruedFees returns the platform fee balance awaiting withdrawal.
func (e *Engine) AccruedFees() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accrued
}

// Address returns the engine's instance identity.
func (e *Engine) Address() common.Address {
	return e.engineAddr
}

// journal accumulates undo steps for the operation in flight. rollback runs
// them in reverse order; undo failures are logged, not propagated, because
// the original error is what the caller needs.
type journal struct {
	undos []func(context.Context) error
}

func (j *journal) add(fn func(context.Context) error) {
	j.undos = append(j.undos, fn)
}

func (j *journal) rollback(ctx context.Context, logger *slog.Logger) {
	for i := len(j.undos) - 1; i >= 0; i-- {
		if err := j.undos[i](ctx); err != nil {
			logger.ErrorContext(ctx, "settlement rollback step failed",
				slog.Int("step", i),
				slog.String("error", err.Error()),
			)
		}
	}
	j.undos = nil
}
