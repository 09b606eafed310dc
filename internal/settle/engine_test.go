package settle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
	"github.com/alanyoungcy/oraclepay/internal/store/memory"
	"github.com/alanyoungcy/oraclepay/internal/treasury"
)

const (
	testChainID = int64(1)
	payerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	recipient  = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type testEnv struct {
	engine   *Engine
	treasury *treasury.Treasury
	payments *memory.PaymentStore
	fees     *memory.FeeStore
	signer   *crypto.Signer
	payer    common.Address
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	tr := treasury.New(testChainID, tokenAddr, treasury.WithClock(clock))
	signer, err := crypto.NewSigner(payerKeyHex, testChainID)
	require.NoError(t, err)
	payer := signer.Address()
	require.NoError(t, tr.Mint(payer, 10_000_000))

	payments := memory.NewPaymentStore()
	fees := memory.NewFeeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := New(context.Background(), payments, fees, tr, domain.NopAuditSink{},
		logger, DefaultParams(testChainID), owner, engineAddr, WithClock(clock))
	require.NoError(t, err)

	return &testEnv{
		engine:   eng,
		treasury: tr,
		payments: payments,
		fees:     fees,
		signer:   signer,
		payer:    payer,
		now:      now,
	}
}

// signedItem builds a fully signed settlement for the payer's current permit
// nonce plus the given offset.
func (env *testEnv) signedItem(t *testing.T, value int64, nonce string, nonceOffset uint64) Item {
	t.Helper()

	auth := domain.PaymentAuthorization{
		Payer:     env.payer,
		Spender:   engineAddr,
		Value:     value,
		Deadline:  env.now.Add(time.Hour),
		Recipient: recipient,
		Nonce:     []byte(nonce),
	}

	permitNonce := env.treasury.PermitNonce(env.payer) + nonceOffset
	permitSig, err := env.signer.SignPermit(tokenAddr, engineAddr, value, permitNonce, auth.Deadline)
	require.NoError(t, err)
	authSig, err := env.signer.SignAuthorization(engineAddr, auth)
	require.NoError(t, err)

	return Item{Auth: auth, PermitSig: permitSig, AuthSig: authSig}
}

func TestSettleSplitsFee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	it := env.signedItem(t, 1_000_000, "n-1", 0)
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))

	// 1% of 1_000_000 goes to the platform, the rest to the recipient.
	assert.Equal(t, int64(990_000), env.treasury.BalanceOf(recipient))
	assert.Equal(t, int64(10_000), env.treasury.BalanceOf(engineAddr))
	assert.Equal(t, int64(9_000_000), env.treasury.BalanceOf(env.payer))
	assert.Equal(t, int64(10_000), env.engine.AccruedFees())

	payerTotals, err := env.fees.GetTotals(ctx, env.payer)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), payerTotals.Paid)

	recTotals, err := env.fees.GetTotals(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(990_000), recTotals.Received)

	recs, err := env.payments.ListSettlements(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10_000), recs[0].Fee)
	assert.Equal(t, it.Auth.Key(), recs[0].Key)
}

func TestSettleReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	it := env.signedItem(t, 100_000, "n-1", 0)
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))

	err := env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig)
	assert.ErrorIs(t, err, domain.ErrPaymentUsed)

	// The replay attempt moved nothing.
	assert.Equal(t, int64(99_000), env.treasury.BalanceOf(recipient))
}

func TestSettleRecipientSubstitutionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	it := env.signedItem(t, 100_000, "n-1", 0)
	it.Auth.Recipient = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	err := env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig)
	assert.ErrorIs(t, err, domain.ErrBadSignature)

	// The failed attempt rolled back its replay mark.
	used, listErr := env.payments.ListUsed(ctx)
	require.NoError(t, listErr)
	assert.Empty(t, used)
	assert.Equal(t, int64(10_000_000), env.treasury.BalanceOf(env.payer))
}

func TestSettleRejectsForeignSpender(t *testing.T) {
	env := newTestEnv(t)

	it := env.signedItem(t, 100_000, "n-1", 0)
	it.Auth.Spender = common.HexToAddress("0x00000000000000000000000000000000000000e2")

	err := env.engine.Settle(context.Background(), it.Auth, it.PermitSig, it.AuthSig)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestSettleDeadlineBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	it := env.signedItem(t, 100_000, "n-1", 0)
	it.Auth.Deadline = env.now.Add(-time.Second)
	assert.ErrorIs(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig), domain.ErrDeadlineExpired)

	it = env.signedItem(t, 100_000, "n-2", 0)
	it.Auth.Deadline = env.now.Add(25 * time.Hour)
	assert.ErrorIs(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig), domain.ErrDeadlineTooFar)
}

func TestSettleValueBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	it := env.signedItem(t, 100_000, "n-1", 0)
	it.Auth.Value = 0
	assert.ErrorIs(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig), domain.ErrZeroValue)

	it.Auth.Value = DefaultParams(testChainID).MaxValue + 1
	assert.ErrorIs(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig), domain.ErrOverflow)
}

func TestPauseBlocksSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.engine.Pause(ctx, recipient), domain.ErrNotOwner)

	require.NoError(t, env.engine.Pause(ctx, owner))
	assert.True(t, env.engine.Paused())

	it := env.signedItem(t, 100_000, "n-1", 0)
	assert.ErrorIs(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig), domain.ErrPaused)
	assert.ErrorIs(t, env.engine.SettleBatch(ctx, []Item{it}), domain.ErrPaused)

	require.NoError(t, env.engine.Unpause(ctx, owner))
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))
}

func TestSettleBatchAppliesAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Sequential permit nonces: the first item consumes nonce 0, the second
	// must be signed over nonce 1.
	items := []Item{
		env.signedItem(t, 200_000, "n-1", 0),
		env.signedItem(t, 300_000, "n-2", 1),
	}
	require.NoError(t, env.engine.SettleBatch(ctx, items))

	assert.Equal(t, int64(495_000), env.treasury.BalanceOf(recipient))
	assert.Equal(t, int64(5_000), env.engine.AccruedFees())

	recs, err := env.payments.ListSettlements(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSettleBatchRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good := env.signedItem(t, 200_000, "n-1", 0)
	bad := env.signedItem(t, 300_000, "n-2", 1)
	bad.Auth.Recipient = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	err := env.engine.SettleBatch(ctx, []Item{good, bad})
	assert.ErrorIs(t, err, domain.ErrBadSignature)

	// The good item was unwound with the bad one.
	assert.Equal(t, int64(0), env.treasury.BalanceOf(recipient))
	assert.Equal(t, int64(0), env.treasury.BalanceOf(engineAddr))
	assert.Equal(t, int64(10_000_000), env.treasury.BalanceOf(env.payer))
	assert.Equal(t, int64(0), env.engine.AccruedFees())

	used, listErr := env.payments.ListUsed(ctx)
	require.NoError(t, listErr)
	assert.Empty(t, used)

	recs, listErr := env.payments.ListSettlements(ctx, domain.ListOpts{})
	require.NoError(t, listErr)
	assert.Empty(t, recs)
}

func TestSettleBatchEmpty(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.engine.SettleBatch(context.Background(), nil), domain.ErrZeroValue)
}

func TestUpdateFee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.engine.UpdateFee(ctx, recipient, 50), domain.ErrNotOwner)
	assert.ErrorIs(t, env.engine.UpdateFee(ctx, owner, 1001), domain.ErrFeeTooHigh)
	assert.ErrorIs(t, env.engine.UpdateFee(ctx, owner, -1), domain.ErrFeeTooHigh)

	require.NoError(t, env.engine.UpdateFee(ctx, owner, 0))
	assert.Equal(t, int64(0), env.engine.FeeBps())

	// At 0 bps the recipient receives the full value and nothing accrues.
	it := env.signedItem(t, 100_000, "n-1", 0)
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))
	assert.Equal(t, int64(100_000), env.treasury.BalanceOf(recipient))
	assert.Equal(t, int64(0), env.engine.AccruedFees())
}

func TestWithdrawFees(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := common.HexToAddress("0x0000000000000000000000000000000000000003")

	it := env.signedItem(t, 1_000_000, "n-1", 0)
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))

	_, err := env.engine.WithdrawFees(ctx, recipient, sink)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = env.engine.WithdrawFees(ctx, owner, common.Address{})
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)

	amount, err := env.engine.WithdrawFees(ctx, owner, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), amount)
	assert.Equal(t, int64(10_000), env.treasury.BalanceOf(sink))
	assert.Equal(t, int64(0), env.treasury.BalanceOf(engineAddr))
	assert.Equal(t, int64(0), env.engine.AccruedFees())

	_, err = env.engine.WithdrawFees(ctx, owner, sink)
	assert.ErrorIs(t, err, domain.ErrZeroValue)
}

func TestEngineReloadsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.UpdateFee(ctx, owner, 250))
	it := env.signedItem(t, 1_000_000, "n-1", 0)
	require.NoError(t, env.engine.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig))

	// A second instance over the same stores sees the replay registry and
	// the persisted fee state.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng2, err := New(ctx, env.payments, env.fees, env.treasury, domain.NopAuditSink{},
		logger, DefaultParams(testChainID), owner, engineAddr,
		WithClock(func() time.Time { return env.now }))
	require.NoError(t, err)

	assert.Equal(t, int64(250), eng2.FeeBps())
	assert.Equal(t, int64(25_000), eng2.AccruedFees())

	err = eng2.Settle(ctx, it.Auth, it.PermitSig, it.AuthSig)
	assert.ErrorIs(t, err, domain.ErrPaymentUsed)
}

func TestNewRejectsFeeAboveCap(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	params := DefaultParams(testChainID)
	params.FeeBps = params.FeeCapBps + 1

	tr := treasury.New(testChainID, tokenAddr)
	_, err := New(context.Background(), memory.NewPaymentStore(), memory.NewFeeStore(),
		tr, domain.NopAuditSink{}, logger, params, owner, engineAddr)
	assert.ErrorIs(t, err, domain.ErrFeeTooHigh)
}
