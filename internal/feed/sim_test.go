package feed

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	token0 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token1 = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestSimFeedAccruesOnReserveUpdate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	f := NewSimFeed(token0, token1, 1_000_000, 2_000_000, WithSimClock(clock))
	ctx := context.Background()

	c0, c1, err := f.Cumulatives(ctx)
	require.NoError(t, err)
	assert.Zero(t, c0)
	assert.Zero(t, c1)

	// 60 seconds at price0 = 2.0 (Q32.32), price1 = 0.5.
	now = now.Add(time.Minute)
	f.SetReserves(1_000_000, 3_000_000)

	c0, c1, err = f.Cumulatives(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2)<<32*60, c0)
	assert.Equal(t, uint64(1)<<31*60, c1)

	r0, r1, updatedAt, err := f.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), r0)
	assert.Equal(t, uint64(3_000_000), r1)
	assert.Equal(t, now, updatedAt)
}

func TestSimFeedNoAccrualWithoutElapsedTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := NewSimFeed(token0, token1, 1_000, 2_000, WithSimClock(func() time.Time { return now }))

	// Same instant: counters stay put.
	f.SetReserves(1_000, 4_000)

	c0, c1, err := f.Cumulatives(context.Background())
	require.NoError(t, err)
	assert.Zero(t, c0)
	assert.Zero(t, c1)
}

func TestSimFeedTokens(t *testing.T) {
	f := NewSimFeed(token0, token1, 1, 1)
	a, b := f.Tokens()
	assert.Equal(t, token0, a)
	assert.Equal(t, token1, b)
}

func TestQ32FractionSaturates(t *testing.T) {
	// A quotient too large for Q32.32 saturates instead of erroring.
	assert.Equal(t, ^uint64(0), q32Fraction(^uint64(0), 1))
	assert.Equal(t, uint64(1)<<31, q32Fraction(1, 2))
}
