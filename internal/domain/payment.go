package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PaymentAuthorization is a payer's signed intent to move value to a
// recipient via the settlement engine. The nonce is opaque caller-supplied
// bytes whose only job is uniqueness; it is not a monotonic counter.
type PaymentAuthorization struct {
	Payer     common.Address
	Spender   common.Address // the engine instance acting on the payer's behalf
	Value     int64
	Deadline  time.Time
	Recipient common.Address
	Nonce     []byte
}

// Key returns the replay-protection key for the authorization:
// keccak256(payer || recipient || value || deadline || nonce). Once a key is
// consumed it is permanently marked used and the authorization can never
// execute again.
func (a PaymentAuthorization) Key() common.Hash {
	buf := make([]byte, 0, 20+20+8+8+len(a.Nonce))
	buf = append(buf, a.Payer.Bytes()...)
	buf = append(buf, a.Recipient.Bytes()...)
	buf = appendInt64(buf, a.Value)
	buf = appendInt64(buf, a.Deadline.Unix())
	buf = append(buf, a.Nonce...)
	return common.BytesToHash(ethcrypto.Keccak256(buf))
}

func appendInt64(b []byte, v int64) []byte {
	u := uint64(v)
	return append(b,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u),
	)
}

// Settlement is the durable record of one executed payment.
type Settlement struct {
	ID        string // uuid
	Key       common.Hash
	Payer     common.Address
	Recipient common.Address
	Value     int64
	Fee       int64
	Nonce     []byte
	SettledAt time.Time
}

// AccountTotals tracks lifetime paid/received micro-units for one account.
type AccountTotals struct {
	Address  common.Address
	Paid     int64
	Received int64
}

// FeeState is the persisted portion of the fee ledger: the active rate in
// basis points and the accumulated, not-yet-withdrawn platform fee balance.
type FeeState struct {
	RateBps int64
	Accrued int64
}
