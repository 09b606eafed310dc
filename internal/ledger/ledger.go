// Package ledger implements the question/answer escrow state machine: it
// escrows bounties for questions, accepts one response from the designated
// answerer, and allows deadline-gated refunds.
//
// The ledger is a strictly serialized single-writer state machine. Every
// operation runs to completion under one mutex before the next begins; there
// is no interleaving of partial effects. Accepted mutations are written
// through the question store before the in-memory commit, and the full state
// is loaded back from the store at startup.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// Params are the construction-time constants of a ledger instance.
type Params struct {
	// MinimumFee is the smallest accepted bounty, in micro-units.
	MinimumFee int64

	// MaxBounty caps a single question's bounty. Larger values are rejected
	// outright, never truncated.
	MaxBounty int64

	// MaxTextLen caps the question text length in bytes.
	MaxTextLen int

	// MaxNumericResult bounds the magnitude of an answer's numeric result.
	MaxNumericResult int64

	// RefundPeriod is how long a question must stay unanswered before the
	// requester may reclaim the bounty.
	RefundPeriod time.Duration
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		MinimumFee:       10_000,              // 0.01 units
		MaxBounty:        1_000_000_000_000,   // 1M units
		MaxTextLen:       1024,
		MaxNumericResult: 1_000_000_000_000_000, // 1e15 micro-units
		RefundPeriod:     7 * 24 * time.Hour,
	}
}

// Ledger is the question/answer escrow engine.
type Ledger struct {
	mu sync.Mutex

	store    domain.QuestionStore
	treasury domain.Treasury
	audit    domain.AuditSink
	logger   *slog.Logger
	params   Params
	now      func() time.Time

	owner    common.Address
	answerer common.Address
	escrow   common.Address // the ledger's own account holding escrowed value

	questions       map[int64]domain.Question
	answers         map[int64]domain.Answer
	nextID          int64
	answererBalance int64
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger and loads any persisted state from the store.
func New(
	ctx context.Context,
	store domain.QuestionStore,
	treasury domain.Treasury,
	audit domain.AuditSink,
	logger *slog.Logger,
	params Params,
	owner, answerer, escrow common.Address,
	opts ...Option,
) (*Ledger, error) {
	if owner == (common.Address{}) || answerer == (common.Address{}) || escrow == (common.Address{}) {
		return nil, domain.ErrInvalidIdentity
	}

	l := &Ledger{
		store:     store,
		treasury:  treasury,
		audit:     audit,
		logger:    logger.With(slog.String("component", "ledger")),
		params:    params,
		now:       time.Now,
		owner:     owner,
		answerer:  answerer,
		escrow:    escrow,
		questions: make(map[int64]domain.Question),
		answers:   make(map[int64]domain.Answer),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.load(ctx); err != nil {
		return nil, fmt.Errorf("ledger: load state: %w", err)
	}
	return l, nil
}

func (l *Ledger) load(ctx context.Context) error {
	qs, err := l.store.ListQuestions(ctx, domain.ListOpts{})
	if err != nil {
		return err
	}
	for _, q := range qs {
		l.questions[q.ID] = q
		if q.ID > l.nextID {
			l.nextID = q.ID
		}
		if q.Status == domain.QuestionAnswered {
			a, err := l.store.GetAnswer(ctx, q.ID)
			if err != nil {
				return fmt.Errorf("answer for question %d: %w", q.ID, err)
			}
			l.answers[q.ID] = a
		}
	}

	bal, err := l.store.AnswererBalance(ctx)
	if err != nil {
		return err
	}
	l.answererBalance = bal
	return nil
}

// Ask escrows a bounty against a new question and returns its id. The
// verbatim text is emitted once as an audit event; the durable record keeps
// only its keccak256 hash.
func (l *Ledger) Ask(
	ctx context.Context,
	caller common.Address,
	typ domain.QuestionType,
	text string,
	deadline time.Time,
	bounty int64,
) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller == (common.Address{}) {
		return 0, domain.ErrInvalidIdentity
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("ledger: question type %q: %w", typ, domain.ErrUnknownType)
	}
	if len(text) == 0 {
		return 0, domain.ErrEmptyText
	}
	if len(text) > l.params.MaxTextLen {
		return 0, domain.ErrTextTooLong
	}
	if bounty < l.params.MinimumFee {
		return 0, domain.ErrBountyTooSmall
	}
	if bounty > l.params.MaxBounty {
		return 0, domain.ErrOverflow
	}
	now := l.now()
	if !deadline.After(now) {
		return 0, domain.ErrDeadlinePast
	}

	// Escrow the bounty before the record exists; compensate if the durable
	// write fails so the caller observes no effect at all.
	if err := l.treasury.Transfer(caller, l.escrow, bounty); err != nil {
		return 0, fmt.Errorf("ledger: escrow bounty: %w", err)
	}

	q := domain.Question{
		ID:        l.nextID + 1,
		Requester: caller,
		Bounty:    bounty,
		TextHash:  crypto.HashText(text),
		Type:      typ,
		Status:    domain.QuestionPending,
		CreatedAt: now,
		Deadline:  deadline,
	}

	if err := l.store.CreateQuestion(ctx, q); err != nil {
		if rbErr := l.treasury.Transfer(l.escrow, caller, bounty); rbErr != nil {
			l.logger.ErrorContext(ctx, "escrow rollback failed",
				slog.Int64("question_id", q.ID),
				slog.String("error", rbErr.Error()),
			)
		}
		return 0, fmt.Errorf("ledger: persist question: %w", err)
	}

	l.nextID = q.ID
	l.questions[q.ID] = q

	l.audit.Emit(ctx, domain.EventQuestionAsked, map[string]any{
		"question_id": q.ID,
		"requester":   caller.Hex(),
		"type":        string(typ),
		"text":        text,
		"text_hash":   q.TextHash.Hex(),
		"bounty":      bounty,
		"deadline":    deadline.Unix(),
	})
	l.logger.InfoContext(ctx, "question asked",
		slog.Int64("question_id", q.ID),
		slog.Int64("bounty", bounty),
	)
	return q.ID, nil
}

// Answer stores the designated answerer's response, flips the question to
// answered, and credits the bounty to the answerer's withdrawable balance.
// It fails closed with ErrAlreadyAnswered or ErrAlreadyRefunded on state
// conflicts; no partial mutation survives a failure.
func (l *Ledger) Answer(
	ctx context.Context,
	caller common.Address,
	questionID int64,
	text string,
	numeric int64,
	result bool,
	confidence uint8,
	sourceLabel string,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.answerer {
		return domain.ErrNotAnswerer
	}

	q, ok := l.questions[questionID]
	if !ok {
		return domain.ErrNotFound
	}
	if q.Refunded {
		return domain.ErrAlreadyRefunded
	}
	if q.Status == domain.QuestionAnswered {
		return domain.ErrAlreadyAnswered
	}
	if confidence > 100 {
		return domain.ErrConfidenceRange
	}
	if sourceLabel == "" {
		return domain.ErrEmptySource
	}
	if numeric > l.params.MaxNumericResult || numeric < -l.params.MaxNumericResult {
		return domain.ErrOverflow
	}

	ans := domain.Answer{
		QuestionID: questionID,
		Answerer:   caller,
		Confidence: confidence,
		Result:     result,
		Numeric:    numeric,
		CreatedAt:  l.now(),
	}

	if err := l.store.MarkAnswered(ctx, questionID, ans); err != nil {
		return fmt.Errorf("ledger: persist answer: %w", err)
	}

	q.Status = domain.QuestionAnswered
	l.questions[questionID] = q
	l.answers[questionID] = ans
	l.answererBalance += q.Bounty

	l.audit.Emit(ctx, domain.EventQuestionAnswered, map[string]any{
		"question_id": questionID,
		"answerer":    caller.Hex(),
		"text":        text,
		"source":      sourceLabel,
		"numeric":     numeric,
		"result":      result,
		"confidence":  confidence,
		"bounty":      q.Bounty,
	})
	l.logger.InfoContext(ctx, "question answered",
		slog.Int64("question_id", questionID),
		slog.Int64("bounty", q.Bounty),
	)
	return nil
}

// Refund returns an unanswered question's bounty to the requester once the
// refund period has elapsed. It succeeds at most once per question and is
// mutually exclusive with Answer by the status check.
func (l *Ledger) Refund(ctx context.Context, caller common.Address, questionID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.questions[questionID]
	if !ok {
		return domain.ErrNotFound
	}
	if caller != q.Requester {
		return domain.ErrNotRequester
	}
	if q.Status == domain.QuestionAnswered {
		return domain.ErrAlreadyAnswered
	}
	if q.Refunded {
		return domain.ErrAlreadyRefunded
	}
	if l.now().Before(q.CreatedAt.Add(l.params.RefundPeriod)) {
		return domain.ErrRefundTooEarly
	}

	bounty := q.Bounty
	if err := l.treasury.Transfer(l.escrow, q.Requester, bounty); err != nil {
		return fmt.Errorf("ledger: return bounty: %w", err)
	}

	if err := l.store.MarkRefunded(ctx, questionID); err != nil {
		if rbErr := l.treasury.Transfer(q.Requester, l.escrow, bounty); rbErr != nil {
			l.logger.ErrorContext(ctx, "refund rollback failed",
				slog.Int64("question_id", questionID),
				slog.String("error", rbErr.Error()),
			)
		}
		return fmt.Errorf("ledger: persist refund: %w", err)
	}

	q.Refunded = true
	q.Bounty = 0
	l.questions[questionID] = q

	l.audit.Emit(ctx, domain.EventQuestionRefunded, map[string]any{
		"question_id": questionID,
		"requester":   q.Requester.Hex(),
		"bounty":      bounty,
	})
	l.logger.InfoContext(ctx, "question refunded",
		slog.Int64("question_id", questionID),
		slog.Int64("bounty", bounty),
	)
	return nil
}

// Withdraw transfers the answerer's accumulated balance out of escrow and
// zeroes it. The balance is zeroed before the transfer so a reentrant
// callback cannot withdraw twice; a failed transfer restores it.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.answerer {
		return 0, domain.ErrNotAnswerer
	}
	amount := l.answererBalance
	if amount == 0 {
		return 0, domain.ErrZeroValue
	}

	l.answererBalance = 0
	if err := l.store.SetAnswererBalance(ctx, 0); err != nil {
		l.answererBalance = amount
		return 0, fmt.Errorf("ledger: persist withdrawal: %w", err)
	}

	if err := l.treasury.Transfer(l.escrow, caller, amount); err != nil {
		l.answererBalance = amount
		if rbErr := l.store.SetAnswererBalance(ctx, amount); rbErr != nil {
			l.logger.ErrorContext(ctx, "withdrawal rollback failed",
				slog.String("error", rbErr.Error()),
			)
		}
		return 0, fmt.Errorf("ledger: withdraw transfer: %w", err)
	}

	l.audit.Emit(ctx, domain.EventWithdrawal, map[string]any{
		"answerer": caller.Hex(),
		"amount":   amount,
	})
	l.logger.InfoContext(ctx, "answerer withdrawal", slog.Int64("amount", amount))
	return amount, nil
}

// RotateAnswerer replaces the designated answerer. Owner-gated.
func (l *Ledger) RotateAnswerer(ctx context.Context, caller, next common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return domain.ErrNotOwner
	}
	if next == (common.Address{}) {
		return domain.ErrInvalidIdentity
	}

	prev := l.answerer
	l.answerer = next

	l.audit.Emit(ctx, domain.EventAnswererRotated, map[string]any{
		"previous": prev.Hex(),
		"next":     next.Hex(),
	})
	return nil
}

// TransferOwnership hands the owner role to next. Owner-gated.
func (l *Ledger) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return domain.ErrNotOwner
	}
	if next == (common.Address{}) {
		return domain.ErrInvalidIdentity
	}

	prev := l.owner
	l.owner = next

	l.audit.Emit(ctx, domain.EventOwnerRotated, map[string]any{
		"previous": prev.Hex(),
		"next":     next.Hex(),
	})
	return nil
}

// Question returns the durable record for id.
func (l *Ledger) Question(id int64) (domain.Question, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrNotFound
	}
	return q, nil
}

// AnswerFor returns the stored answer for id, if any.
func (l *Ledger) AnswerFor(id int64) (domain.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.answers[id]
	if !ok {
		return domain.Answer{}, domain.ErrNotFound
	}
	return a, nil
}

// AnswererBalance returns the answerer's withdrawable balance.
func (l *Ledger) AnswererBalance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answererBalance
}

// PendingEscrow returns the total bounty value still locked against pending,
// unrefunded questions plus the answerer's unwithdrawn balance. It equals
// the escrow account's balance at all times.
func (l *Ledger) PendingEscrow() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.answererBalance
	for _, q := range l.questions {
		if q.Status == domain.QuestionPending && !q.Refunded {
			total += q.Bounty
		}
	}
	return total
}

// Answerer returns the current designated answerer.
func (l *Ledger) Answerer() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answerer
}

// Owner returns the current owner.
func (l *Ledger) Owner() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
