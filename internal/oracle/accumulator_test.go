package oracle

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
	"github.com/alanyoungcy/oraclepay/internal/feed"
)

var (
	token0 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token1 = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestOracle builds a sim feed at a 1:2 reserve ratio (token0 priced at
// 2.0) and an accumulator sharing the same clock.
func newTestOracle(t *testing.T) (*Accumulator, *feed.SimFeed, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := feed.NewSimFeed(token0, token1, 1_000_000, 2_000_000, feed.WithSimClock(clock.now))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), f, 5*time.Minute, domain.NopAuditSink{}, logger,
		WithClock(clock.now))
	require.NoError(t, err)
	return a, f, clock
}

func TestNewRejectsSubSecondMinPeriod(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := feed.NewSimFeed(token0, token1, 1_000_000, 2_000_000, feed.WithSimClock(clock.now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Window averages divide by whole elapsed seconds; a period shorter
	// than one second could place both observations in the same second.
	_, err := New(context.Background(), f, 500*time.Millisecond, domain.NopAuditSink{}, logger,
		WithClock(clock.now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below 1s")
}

func TestBootstrapConsultsSpot(t *testing.T) {
	a, _, _ := newTestOracle(t)
	ctx := context.Background()

	assert.False(t, a.IsStable())

	out, err := a.Consult(ctx, token0, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), out)

	out, err = a.Consult(ctx, token1, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), out)
}

func TestRefreshGatedByMinPeriod(t *testing.T) {
	a, _, clock := newTestOracle(t)
	ctx := context.Background()

	assert.False(t, a.CanRefresh())
	assert.ErrorIs(t, a.Refresh(ctx), domain.ErrPeriodNotElapsed)

	clock.advance(4 * time.Minute)
	assert.False(t, a.CanRefresh())
	assert.ErrorIs(t, a.Refresh(ctx), domain.ErrPeriodNotElapsed)

	clock.advance(time.Minute)
	assert.True(t, a.CanRefresh())
	require.NoError(t, a.Refresh(ctx))
}

func TestStableConsultUsesWindowAverage(t *testing.T) {
	a, _, clock := newTestOracle(t)
	ctx := context.Background()

	clock.advance(5 * time.Minute)
	require.NoError(t, a.Refresh(ctx))
	assert.True(t, a.IsStable())

	// The whole window sat at a constant 1:2 ratio, so the average is the
	// spot price exactly.
	out, err := a.Consult(ctx, token0, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), out)

	out, err = a.Consult(ctx, token1, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), out)
}

func TestConsultAveragesAcrossReserveChange(t *testing.T) {
	a, f, clock := newTestOracle(t)
	ctx := context.Background()

	clock.advance(5 * time.Minute)
	require.NoError(t, a.Refresh(ctx))

	// Half the next window at price 2.0, half at price 4.0.
	clock.advance(150 * time.Second)
	f.SetReserves(1_000_000, 4_000_000)
	clock.advance(150 * time.Second)
	require.NoError(t, a.Refresh(ctx))

	out, err := a.Consult(ctx, token0, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), out)
}

func TestConsultRejectsBadInput(t *testing.T) {
	a, _, _ := newTestOracle(t)
	ctx := context.Background()

	_, err := a.Consult(ctx, common.HexToAddress("0x00000000000000000000000000000000000000ff"), 1_000)
	assert.ErrorIs(t, err, domain.ErrUnknownAsset)

	_, err = a.Consult(ctx, token0, 0)
	assert.ErrorIs(t, err, domain.ErrZeroValue)

	_, err = a.Consult(ctx, token0, -5)
	assert.ErrorIs(t, err, domain.ErrZeroValue)
}

func TestObservationsSlide(t *testing.T) {
	a, _, clock := newTestOracle(t)
	ctx := context.Background()

	prev, latest := a.Observations()
	assert.Equal(t, prev, latest)

	clock.advance(5 * time.Minute)
	require.NoError(t, a.Refresh(ctx))

	prev, latest = a.Observations()
	assert.True(t, latest.Timestamp.After(prev.Timestamp))
	// Price 2.0 in Q32.32 accumulated over 300 seconds.
	assert.Equal(t, uint64(2)<<32*300, latest.Price0Cumulative-prev.Price0Cumulative)
}

func TestCurrentCumulativesAccrueGap(t *testing.T) {
	a, _, clock := newTestOracle(t)
	ctx := context.Background()

	c0Before, _, _, err := a.CurrentCumulatives(ctx)
	require.NoError(t, err)

	clock.advance(time.Minute)
	c0After, _, ts, err := a.CurrentCumulatives(ctx)
	require.NoError(t, err)

	assert.Equal(t, clock.now(), ts)
	assert.Equal(t, uint64(2)<<32*60, c0After-c0Before)
}

func TestMinPeriodDefaulted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := feed.NewSimFeed(token0, token1, 1_000, 2_000, feed.WithSimClock(clock.now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), f, 0, domain.NopAuditSink{}, logger, WithClock(clock.now))
	require.NoError(t, err)
	assert.Equal(t, DefaultMinPeriod, a.MinPeriod())
}
