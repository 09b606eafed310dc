package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepay/internal/domain"
	"github.com/alanyoungcy/oraclepay/internal/store/memory"
	"github.com/alanyoungcy/oraclepay/internal/treasury"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	answerer  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	escrow    = common.HexToAddress("0x0000000000000000000000000000000000000003")
	requester = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

// fakeClock is a mutable time source shared between the ledger and tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *treasury.Treasury, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := treasury.New(1, tokenAddr, treasury.WithClock(clock.now))
	require.NoError(t, tr.Mint(requester, 10_000_000))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(context.Background(), memory.NewQuestionStore(), tr,
		domain.NopAuditSink{}, logger, DefaultParams(),
		owner, answerer, escrow, WithClock(clock.now))
	require.NoError(t, err)
	return l, tr, clock
}

func ask(t *testing.T, l *Ledger, clock *fakeClock, bounty int64) int64 {
	t.Helper()
	id, err := l.Ask(context.Background(), requester, domain.QuestionPrice,
		"what is the price of token0?", clock.now().Add(time.Hour), bounty)
	require.NoError(t, err)
	return id
}

func TestAskEscrowsBounty(t *testing.T) {
	l, tr, clock := newTestLedger(t)

	id := ask(t, l, clock, 50_000)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(50_000), tr.BalanceOf(escrow))
	assert.Equal(t, int64(10_000_000-50_000), tr.BalanceOf(requester))
	assert.Equal(t, int64(50_000), l.PendingEscrow())

	q, err := l.Question(id)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionPending, q.Status)
	assert.Equal(t, requester, q.Requester)
	assert.Equal(t, int64(50_000), q.Bounty)
}

func TestAskValidation(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()
	deadline := clock.now().Add(time.Hour)

	_, err := l.Ask(ctx, requester, "weird", "text", deadline, 50_000)
	assert.ErrorIs(t, err, domain.ErrUnknownType)

	_, err = l.Ask(ctx, requester, domain.QuestionGeneral, "", deadline, 50_000)
	assert.ErrorIs(t, err, domain.ErrEmptyText)

	long := make([]byte, DefaultParams().MaxTextLen+1)
	_, err = l.Ask(ctx, requester, domain.QuestionGeneral, string(long), deadline, 50_000)
	assert.ErrorIs(t, err, domain.ErrTextTooLong)

	_, err = l.Ask(ctx, requester, domain.QuestionGeneral, "text", deadline, 9_999)
	assert.ErrorIs(t, err, domain.ErrBountyTooSmall)

	_, err = l.Ask(ctx, requester, domain.QuestionGeneral, "text", deadline, DefaultParams().MaxBounty+1)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	_, err = l.Ask(ctx, requester, domain.QuestionGeneral, "text", clock.now(), 50_000)
	assert.ErrorIs(t, err, domain.ErrDeadlinePast)

	_, err = l.Ask(ctx, common.Address{}, domain.QuestionGeneral, "text", deadline, 50_000)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestAskInsufficientFunds(t *testing.T) {
	l, _, clock := newTestLedger(t)

	_, err := l.Ask(context.Background(), requester, domain.QuestionGeneral,
		"text", clock.now().Add(time.Hour), 10_000_001)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(0), l.PendingEscrow())
}

func TestAnswerCreditsAnswerer(t *testing.T) {
	l, tr, clock := newTestLedger(t)
	ctx := context.Background()

	id := ask(t, l, clock, 50_000)
	require.NoError(t, l.Answer(ctx, answerer, id, "the price is 42", 42_000_000, true, 95, "dex-feed"))

	q, err := l.Question(id)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionAnswered, q.Status)

	a, err := l.AnswerFor(id)
	require.NoError(t, err)
	assert.Equal(t, uint8(95), a.Confidence)
	assert.Equal(t, int64(42_000_000), a.Numeric)

	assert.Equal(t, int64(50_000), l.AnswererBalance())
	// The bounty stays in escrow until withdrawal.
	assert.Equal(t, int64(50_000), tr.BalanceOf(escrow))
	assert.Equal(t, int64(50_000), l.PendingEscrow())
}

func TestAnswerGating(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()
	id := ask(t, l, clock, 50_000)

	assert.ErrorIs(t, l.Answer(ctx, requester, id, "x", 0, false, 50, "src"), domain.ErrNotAnswerer)
	assert.ErrorIs(t, l.Answer(ctx, answerer, 999, "x", 0, false, 50, "src"), domain.ErrNotFound)
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "x", 0, false, 101, "src"), domain.ErrConfidenceRange)
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "x", 0, false, 50, ""), domain.ErrEmptySource)
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "x", DefaultParams().MaxNumericResult+1, false, 50, "src"), domain.ErrOverflow)

	require.NoError(t, l.Answer(ctx, answerer, id, "x", 1, true, 50, "src"))
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "again", 2, true, 50, "src"), domain.ErrAlreadyAnswered)
}

func TestRefundGatedByPeriod(t *testing.T) {
	l, tr, clock := newTestLedger(t)
	ctx := context.Background()
	id := ask(t, l, clock, 50_000)

	assert.ErrorIs(t, l.Refund(ctx, requester, id), domain.ErrRefundTooEarly)

	clock.advance(DefaultParams().RefundPeriod)
	require.NoError(t, l.Refund(ctx, requester, id))

	assert.Equal(t, int64(10_000_000), tr.BalanceOf(requester))
	assert.Equal(t, int64(0), tr.BalanceOf(escrow))
	assert.Equal(t, int64(0), l.PendingEscrow())

	// A refunded question can be neither refunded again nor answered.
	assert.ErrorIs(t, l.Refund(ctx, requester, id), domain.ErrAlreadyRefunded)
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "x", 0, false, 50, "src"), domain.ErrAlreadyRefunded)
}

func TestRefundGating(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()
	id := ask(t, l, clock, 50_000)

	assert.ErrorIs(t, l.Refund(ctx, answerer, id), domain.ErrNotRequester)
	assert.ErrorIs(t, l.Refund(ctx, requester, 999), domain.ErrNotFound)

	require.NoError(t, l.Answer(ctx, answerer, id, "x", 0, false, 50, "src"))
	clock.advance(DefaultParams().RefundPeriod)
	assert.ErrorIs(t, l.Refund(ctx, requester, id), domain.ErrAlreadyAnswered)
}

func TestWithdraw(t *testing.T) {
	l, tr, clock := newTestLedger(t)
	ctx := context.Background()

	id1 := ask(t, l, clock, 50_000)
	id2 := ask(t, l, clock, 70_000)
	require.NoError(t, l.Answer(ctx, answerer, id1, "a", 0, false, 50, "src"))
	require.NoError(t, l.Answer(ctx, answerer, id2, "b", 0, false, 50, "src"))

	amount, err := l.Withdraw(ctx, answerer)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), amount)
	assert.Equal(t, int64(120_000), tr.BalanceOf(answerer))
	assert.Equal(t, int64(0), l.AnswererBalance())
	assert.Equal(t, int64(0), tr.BalanceOf(escrow))

	_, err = l.Withdraw(ctx, answerer)
	assert.ErrorIs(t, err, domain.ErrZeroValue)

	_, err = l.Withdraw(ctx, requester)
	assert.ErrorIs(t, err, domain.ErrNotAnswerer)
}

func TestEscrowConservation(t *testing.T) {
	l, tr, clock := newTestLedger(t)
	ctx := context.Background()

	id1 := ask(t, l, clock, 50_000)
	ask(t, l, clock, 30_000)
	id3 := ask(t, l, clock, 20_000)

	require.NoError(t, l.Answer(ctx, answerer, id1, "a", 0, false, 50, "src"))
	clock.advance(DefaultParams().RefundPeriod)
	require.NoError(t, l.Refund(ctx, requester, id3))

	// Escrow account balance always matches the ledger's own accounting.
	assert.Equal(t, l.PendingEscrow(), tr.BalanceOf(escrow))
	assert.Equal(t, int64(80_000), tr.BalanceOf(escrow))
}

func TestRotateAnswerer(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()
	next := common.HexToAddress("0x0000000000000000000000000000000000000005")

	assert.ErrorIs(t, l.RotateAnswerer(ctx, answerer, next), domain.ErrNotOwner)
	assert.ErrorIs(t, l.RotateAnswerer(ctx, owner, common.Address{}), domain.ErrInvalidIdentity)

	require.NoError(t, l.RotateAnswerer(ctx, owner, next))
	assert.Equal(t, next, l.Answerer())

	// Only the new answerer may answer after rotation.
	id := ask(t, l, clock, 50_000)
	assert.ErrorIs(t, l.Answer(ctx, answerer, id, "x", 0, false, 50, "src"), domain.ErrNotAnswerer)
	require.NoError(t, l.Answer(ctx, next, id, "x", 0, false, 50, "src"))
}

func TestTransferOwnership(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	next := common.HexToAddress("0x0000000000000000000000000000000000000006")

	assert.ErrorIs(t, l.TransferOwnership(ctx, answerer, next), domain.ErrNotOwner)
	require.NoError(t, l.TransferOwnership(ctx, owner, next))
	assert.Equal(t, next, l.Owner())

	// The previous owner has no power left.
	assert.ErrorIs(t, l.RotateAnswerer(ctx, owner, next), domain.ErrNotOwner)
}

func TestStateReloadedFromStore(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := treasury.New(1, tokenAddr, treasury.WithClock(clock.now))
	require.NoError(t, tr.Mint(requester, 10_000_000))
	store := memory.NewQuestionStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	l, err := New(ctx, store, tr, domain.NopAuditSink{}, logger,
		DefaultParams(), owner, answerer, escrow, WithClock(clock.now))
	require.NoError(t, err)

	id, err := l.Ask(ctx, requester, domain.QuestionYesNo, "will it rain?",
		clock.now().Add(time.Hour), 50_000)
	require.NoError(t, err)
	require.NoError(t, l.Answer(ctx, answerer, id, "yes", 0, true, 80, "weather"))

	// A second instance over the same store sees the same state.
	l2, err := New(ctx, store, tr, domain.NopAuditSink{}, logger,
		DefaultParams(), owner, answerer, escrow, WithClock(clock.now))
	require.NoError(t, err)

	q, err := l2.Question(id)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionAnswered, q.Status)
	assert.Equal(t, int64(50_000), l2.AnswererBalance())

	// New ids continue after the reloaded maximum.
	id2, err := l2.Ask(ctx, requester, domain.QuestionGeneral, "next",
		clock.now().Add(time.Hour), 50_000)
	require.NoError(t, err)
	assert.Equal(t, id+1, id2)
}
