package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Treasury is the value-transfer capability the engines consume. It is
// modelled as an external collaborator: every movement either fully succeeds
// or returns an error, and the engines treat a transfer failure as a hard
// abort of the whole operation.
type Treasury interface {
	BalanceOf(addr common.Address) int64

	// Transfer moves amount from one account to another.
	Transfer(from, to common.Address, amount int64) error

	// Permit establishes a one-time spending allowance of exactly value from
	// owner to spender, authorized by an EIP-2612-style signature.
	Permit(ctx context.Context, owner, spender common.Address, value int64, deadline time.Time, sig []byte) error

	// TransferFrom moves amount from owner to dst, consuming spender's
	// allowance.
	TransferFrom(owner, spender, dst common.Address, amount int64) error

	// Allowance returns the remaining allowance from owner to spender.
	Allowance(owner, spender common.Address) int64

	// Revoke clears any remaining allowance from owner to spender. The
	// settlement engine uses it to roll back a permit applied inside an
	// operation that later failed.
	Revoke(owner, spender common.Address)
}
