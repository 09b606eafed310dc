// Package treasury implements the value-transfer capability the engines
// consume: an in-process account ledger with balances, one-time permit
// allowances, and sequential permit nonces. The engines only see the
// domain.Treasury interface, so a token-contract-backed implementation can
// replace this one without touching them.
package treasury

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// Treasury is an in-memory implementation of domain.Treasury. All methods
// are safe for concurrent use, though in practice every call arrives under
// an engine's own serialization lock.
type Treasury struct {
	mu           sync.Mutex
	balances     map[common.Address]int64
	allowances   map[common.Address]map[common.Address]int64
	permitNonces map[common.Address]uint64

	chainID   int64
	tokenAddr common.Address
	now       func() time.Time
}

// Option customises a Treasury.
type Option func(*Treasury)

// WithClock overrides the treasury's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Treasury) { t.now = now }
}

// New creates an empty treasury bound to the given chain and token identity.
// The token identity is the verifying-contract slot of permit signatures.
func New(chainID int64, tokenAddr common.Address, opts ...Option) *Treasury {
	t := &Treasury{
		balances:     make(map[common.Address]int64),
		allowances:   make(map[common.Address]map[common.Address]int64),
		permitNonces: make(map[common.Address]uint64),
		chainID:      chainID,
		tokenAddr:    tokenAddr,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TokenAddress returns the token identity permits are bound to.
func (t *Treasury) TokenAddress() common.Address {
	return t.tokenAddr
}

// Mint credits amount to addr. Used at wiring time to seed balances.
func (t *Treasury) Mint(addr common.Address, amount int64) error {
	if amount <= 0 {
		return domain.ErrZeroValue
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[addr] > math.MaxInt64-amount {
		return domain.ErrOverflow
	}
	t.balances[addr] += amount
	return nil
}

// BalanceOf returns addr's current balance.
func (t *Treasury) BalanceOf(addr common.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[addr]
}

// Transfer moves amount from one account to another. It fails with
// domain.ErrInsufficientFunds if the source balance is too small; no partial
// movement ever happens.
func (t *Treasury) Transfer(from, to common.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// Permit establishes a one-time allowance of exactly value from owner to
// spender, authorized by an EIP-2612-style signature over the owner's
// current permit nonce. The nonce advances on success, so the same permit
// signature can never be applied twice.
func (t *Treasury) Permit(_ context.Context, owner, spender common.Address, value int64, deadline time.Time, sig []byte) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return domain.ErrInvalidIdentity
	}
	if value <= 0 {
		return domain.ErrZeroValue
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.now().After(deadline) {
		return domain.ErrDeadlineExpired
	}

	nonce := t.permitNonces[owner]
	digest := crypto.PermitDigest(t.chainID, t.tokenAddr, owner, spender, value, nonce, deadline)
	if err := crypto.VerifySigner(digest, sig, owner); err != nil {
		return fmt.Errorf("treasury: permit for %s: %w", owner.Hex(), err)
	}

	t.permitNonces[owner] = nonce + 1
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]int64)
	}
	t.allowances[owner][spender] = value
	return nil
}

// TransferFrom moves amount from owner to dst, consuming spender's
// allowance.
func (t *Treasury) TransferFrom(owner, spender, dst common.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[owner][spender]
	if allowed < amount {
		return domain.ErrInsufficientAllowance
	}
	if err := t.move(owner, dst, amount); err != nil {
		return err
	}
	t.allowances[owner][spender] = allowed - amount
	return nil
}

// Allowance returns the remaining allowance from owner to spender.
func (t *Treasury) Allowance(owner, spender common.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// Revoke clears any remaining allowance from owner to spender.
func (t *Treasury) Revoke(owner, spender common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] != nil {
		delete(t.allowances[owner], spender)
	}
}

// PermitNonce returns the owner's next permit nonce. Payers read it before
// signing a permit.
func (t *Treasury) PermitNonce(owner common.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permitNonces[owner]
}

// move is the unexported transfer primitive; callers hold t.mu.
func (t *Treasury) move(from, to common.Address, amount int64) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return domain.ErrInvalidIdentity
	}
	if amount <= 0 {
		return domain.ErrZeroValue
	}
	if t.balances[from] < amount {
		return domain.ErrInsufficientFunds
	}
	if t.balances[to] > math.MaxInt64-amount {
		return domain.ErrOverflow
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

// Compile-time interface check.
var _ domain.Treasury = (*Treasury)(nil)
