package treasury

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepay/internal/crypto"
	"github.com/alanyoungcy/oraclepay/internal/domain"
)

const (
	testChainID = int64(1)
	payerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	spender   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000aa1")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000bb1")
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMintAndTransfer(t *testing.T) {
	tr := New(testChainID, tokenAddr)
	require.NoError(t, tr.Mint(alice, 1_000))

	require.NoError(t, tr.Transfer(alice, bob, 400))
	assert.Equal(t, int64(600), tr.BalanceOf(alice))
	assert.Equal(t, int64(400), tr.BalanceOf(bob))
}

func TestTransferInsufficientFunds(t *testing.T) {
	tr := New(testChainID, tokenAddr)
	require.NoError(t, tr.Mint(alice, 100))

	err := tr.Transfer(alice, bob, 101)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(100), tr.BalanceOf(alice))
	assert.Equal(t, int64(0), tr.BalanceOf(bob))
}

func TestTransferRejectsZeroAndNegative(t *testing.T) {
	tr := New(testChainID, tokenAddr)
	require.NoError(t, tr.Mint(alice, 100))

	assert.ErrorIs(t, tr.Transfer(alice, bob, 0), domain.ErrZeroValue)
	assert.ErrorIs(t, tr.Transfer(alice, bob, -5), domain.ErrZeroValue)
	assert.ErrorIs(t, tr.Transfer(common.Address{}, bob, 10), domain.ErrInvalidIdentity)
}

func TestTransferOverflowDestination(t *testing.T) {
	tr := New(testChainID, tokenAddr)
	require.NoError(t, tr.Mint(alice, 10))
	require.NoError(t, tr.Mint(bob, math.MaxInt64-5))

	assert.ErrorIs(t, tr.Transfer(alice, bob, 10), domain.ErrOverflow)
}

func TestPermitGrantsExactAllowanceOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := New(testChainID, tokenAddr, WithClock(fixedClock(now)))

	signer, err := crypto.NewSigner(payerKeyHex, testChainID)
	require.NoError(t, err)
	payer := signer.Address()
	require.NoError(t, tr.Mint(payer, 1_000_000))

	deadline := now.Add(time.Hour)
	sig, err := signer.SignPermit(tokenAddr, spender, 500_000, tr.PermitNonce(payer), deadline)
	require.NoError(t, err)

	require.NoError(t, tr.Permit(context.Background(), payer, spender, 500_000, deadline, sig))
	assert.Equal(t, int64(500_000), tr.Allowance(payer, spender))
	assert.Equal(t, uint64(1), tr.PermitNonce(payer))

	// The nonce advanced, so replaying the same signature must fail.
	err = tr.Permit(context.Background(), payer, spender, 500_000, deadline, sig)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestPermitExpiredDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := New(testChainID, tokenAddr, WithClock(fixedClock(now)))

	signer, err := crypto.NewSigner(payerKeyHex, testChainID)
	require.NoError(t, err)

	deadline := now.Add(-time.Second)
	sig, err := signer.SignPermit(tokenAddr, spender, 100, 0, deadline)
	require.NoError(t, err)

	err = tr.Permit(context.Background(), signer.Address(), spender, 100, deadline, sig)
	assert.ErrorIs(t, err, domain.ErrDeadlineExpired)
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := New(testChainID, tokenAddr, WithClock(fixedClock(now)))

	signer, err := crypto.NewSigner(payerKeyHex, testChainID)
	require.NoError(t, err)
	payer := signer.Address()
	require.NoError(t, tr.Mint(payer, 1_000))

	deadline := now.Add(time.Hour)
	sig, err := signer.SignPermit(tokenAddr, spender, 600, tr.PermitNonce(payer), deadline)
	require.NoError(t, err)
	require.NoError(t, tr.Permit(context.Background(), payer, spender, 600, deadline, sig))

	require.NoError(t, tr.TransferFrom(payer, spender, bob, 400))
	assert.Equal(t, int64(200), tr.Allowance(payer, spender))
	assert.Equal(t, int64(400), tr.BalanceOf(bob))

	err = tr.TransferFrom(payer, spender, bob, 300)
	assert.ErrorIs(t, err, domain.ErrInsufficientAllowance)
}

func TestRevokeClearsAllowance(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := New(testChainID, tokenAddr, WithClock(fixedClock(now)))

	signer, err := crypto.NewSigner(payerKeyHex, testChainID)
	require.NoError(t, err)
	payer := signer.Address()
	require.NoError(t, tr.Mint(payer, 1_000))

	deadline := now.Add(time.Hour)
	sig, err := signer.SignPermit(tokenAddr, spender, 600, tr.PermitNonce(payer), deadline)
	require.NoError(t, err)
	require.NoError(t, tr.Permit(context.Background(), payer, spender, 600, deadline, sig))

	tr.Revoke(payer, spender)
	assert.Equal(t, int64(0), tr.Allowance(payer, spender))
	assert.ErrorIs(t, tr.TransferFrom(payer, spender, bob, 1), domain.ErrInsufficientAllowance)
}
