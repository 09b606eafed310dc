package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// QuestionStore persists the question/answer ledger. The ledger engine is
// the only writer; it writes through on every accepted mutation and loads
// the full state back at startup.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, q Question) error

	// MarkAnswered stores the answer, flips the question status, and credits
	// the stored answerer balance by the question's bounty in one atomic
	// write.
	MarkAnswered(ctx context.Context, id int64, a Answer) error
	MarkRefunded(ctx context.Context, id int64) error
	GetAnswer(ctx context.Context, id int64) (Answer, error)
	ListQuestions(ctx context.Context, opts ListOpts) ([]Question, error)

	// SetAnswererBalance persists the answerer's withdrawable balance.
	SetAnswererBalance(ctx context.Context, balance int64) error
	AnswererBalance(ctx context.Context) (int64, error)
}

// PaymentStore persists the used-payment replay registry and settlement
// history. MarkUsed must be a unique insert: a second insert of the same key
// returns ErrPaymentUsed.
type PaymentStore interface {
	MarkUsed(ctx context.Context, key common.Hash) error
	Unmark(ctx context.Context, key common.Hash) error
	ListUsed(ctx context.Context) ([]common.Hash, error)

	RecordSettlement(ctx context.Context, s Settlement) error
	DeleteSettlement(ctx context.Context, id string) error
	ListSettlements(ctx context.Context, opts ListOpts) ([]Settlement, error)
}

// FeeStore persists the fee ledger: the active rate, the accrued platform
// fee balance, and per-account lifetime totals.
type FeeStore interface {
	SaveFeeState(ctx context.Context, st FeeState) error
	LoadFeeState(ctx context.Context) (FeeState, error)

	AddTotals(ctx context.Context, addr common.Address, paidDelta, receivedDelta int64) error
	GetTotals(ctx context.Context, addr common.Address) (AccountTotals, error)
}

// AuditStore is the append-only audit log holding the full variable-length
// payloads whose hashes live in the compact durable records.
type AuditStore interface {
	Log(ctx context.Context, ev Event) error
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Event, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
