// Package oracle maintains a manipulation-resistant time-weighted average
// price over a continuously accumulating reserve feed.
//
// The accumulator keeps a two-observation sliding window with an enforced
// minimum period between refreshes. An attacker must sustain a manipulated
// price across the entire window to move the average, which is economically
// and temporally expensive. Until the first full window completes the
// accumulator is bootstrapping and answers queries from the spot reserves
// instead of blocking on insufficient history.
//
// Prices are Q32.32 fixed point on uint64 counters. The counters wrap
// around modulo 2^64 after a very long horizon; all arithmetic on them is
// wraparound-safe and wrapping is a defined behavior, not an error.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// priceShift is the Q32.32 fixed-point scale: prices are multiplied by 2^32
// to preserve precision without floating point.
const priceShift = 32

// DefaultMinPeriod is the default minimum observation period.
const DefaultMinPeriod = 5 * time.Minute

// Accumulator tracks the TWAP window for one pair.
type Accumulator struct {
	mu sync.Mutex

	feed      domain.ReserveFeed
	minPeriod time.Duration
	audit     domain.AuditSink
	logger    *slog.Logger
	now       func() time.Time

	obsOld domain.PriceObservation
	obsNew domain.PriceObservation
}

// Option customises an Accumulator.
type Option func(*Accumulator)

// WithClock overrides the accumulator's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// New creates an Accumulator and initializes both observations from the
// live feed, so the window starts empty and the state is Bootstrapping.
func New(
	ctx context.Context,
	feed domain.ReserveFeed,
	minPeriod time.Duration,
	audit domain.AuditSink,
	logger *slog.Logger,
	opts ...Option,
) (*Accumulator, error) {
	if minPeriod <= 0 {
		minPeriod = DefaultMinPeriod
	}
	// The window math divides by the elapsed whole seconds between the two
	// observations, so the period separating them must span at least one.
	if minPeriod < time.Second {
		return nil, fmt.Errorf("oracle: min period %s is below 1s", minPeriod)
	}

	a := &Accumulator{
		feed:      feed,
		minPeriod: minPeriod,
		audit:     audit,
		logger:    logger.With(slog.String("component", "oracle")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	c0, c1, ts, err := a.currentCumulatives(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle: initial observation: %w", err)
	}
	obs := domain.PriceObservation{Timestamp: ts, Price0Cumulative: c0, Price1Cumulative: c1}
	a.obsOld, a.obsNew = obs, obs
	return a, nil
}

// CurrentCumulatives returns the up-to-the-moment cumulative price
// integrals. It is a pure function of the live feed: if time has elapsed
// since the feed's own last update, the contribution of that gap is added
// using the current instantaneous reserves.
func (a *Accumulator) CurrentCumulatives(ctx context.Context) (price0, price1 uint64, ts time.Time, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentCumulatives(ctx)
}

func (a *Accumulator) currentCumulatives(ctx context.Context) (uint64, uint64, time.Time, error) {
	c0, c1, err := a.feed.Cumulatives(ctx)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("read cumulatives: %w", err)
	}
	r0, r1, updatedAt, err := a.feed.Reserves(ctx)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("read reserves: %w", err)
	}

	now := a.now()
	if now.After(updatedAt) && r0 > 0 && r1 > 0 {
		elapsed := uint64(now.Unix() - updatedAt.Unix())

		p0, err := priceFraction(r1, r0)
		if err != nil {
			return 0, 0, time.Time{}, err
		}
		p1, err := priceFraction(r0, r1)
		if err != nil {
			return 0, 0, time.Time{}, err
		}

		// Wrapping additions: the counters are modular uint64.
		c0 += p0 * elapsed
		c1 += p1 * elapsed
	}
	return c0, c1, now, nil
}

// Refresh slides the window: the stored "new" observation becomes "old" and
// a freshly computed cumulative snapshot becomes "new". It fails closed
// with ErrPeriodNotElapsed when called before the minimum period has passed;
// that is rate limiting, not a transient fault, and callers retry later.
func (a *Accumulator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Sub(a.obsNew.Timestamp) < a.minPeriod {
		return domain.ErrPeriodNotElapsed
	}

	c0, c1, ts, err := a.currentCumulatives(ctx)
	if err != nil {
		return fmt.Errorf("oracle: refresh: %w", err)
	}

	a.obsOld = a.obsNew
	a.obsNew = domain.PriceObservation{Timestamp: ts, Price0Cumulative: c0, Price1Cumulative: c1}

	a.audit.Emit(ctx, domain.EventOracleRefreshed, map[string]any{
		"timestamp":         ts.Unix(),
		"price0_cumulative": c0,
		"price1_cumulative": c1,
	})
	a.logger.DebugContext(ctx, "window refreshed",
		slog.Time("observed_at", ts),
	)
	return nil
}

// CanRefresh reports whether enough time has passed for Refresh to succeed.
// External schedulers poll this; refreshing is never implicit in a query.
func (a *Accumulator) CanRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Sub(a.obsNew.Timestamp) >= a.minPeriod
}

// IsStable reports whether the window spans at least the minimum period,
// i.e. whether Consult answers from the time-weighted average rather than
// the spot fallback.
func (a *Accumulator) IsStable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isStable()
}

func (a *Accumulator) isStable() bool {
	return a.obsNew.Timestamp.Sub(a.obsOld.Timestamp) >= a.minPeriod
}

// Consult converts amountIn of the given asset to the other side of the
// pair. While Bootstrapping it returns a spot conversion from the current
// reserves; once Stable it returns the time-weighted average over the
// stored window. Assets outside the pair are rejected.
func (a *Accumulator) Consult(ctx context.Context, asset common.Address, amountIn int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amountIn <= 0 {
		return 0, domain.ErrZeroValue
	}

	token0, token1 := a.feed.Tokens()
	if asset != token0 && asset != token1 {
		return 0, domain.ErrUnknownAsset
	}

	if !a.isStable() {
		return a.consultSpot(ctx, asset == token0, amountIn)
	}

	elapsed := uint64(a.obsNew.Timestamp.Unix() - a.obsOld.Timestamp.Unix())

	// Wrapping subtraction: a wrapped counter still yields the right delta.
	var delta uint64
	if asset == token0 {
		delta = a.obsNew.Price0Cumulative - a.obsOld.Price0Cumulative
	} else {
		delta = a.obsNew.Price1Cumulative - a.obsOld.Price1Cumulative
	}

	avgPrice := delta / elapsed // Q32.32
	return scaleAmount(avgPrice, amountIn)
}

// consultSpot is the bootstrap fallback: a direct conversion from the
// current instantaneous reserves.
func (a *Accumulator) consultSpot(ctx context.Context, isToken0 bool, amountIn int64) (int64, error) {
	r0, r1, _, err := a.feed.Reserves(ctx)
	if err != nil {
		return 0, fmt.Errorf("oracle: spot reserves: %w", err)
	}
	if r0 == 0 || r1 == 0 {
		return 0, domain.ErrZeroValue
	}

	num, den := r1, r0
	if !isToken0 {
		num, den = r0, r1
	}

	hi, lo := bits.Mul64(uint64(amountIn), num)
	if hi >= den {
		return 0, domain.ErrOverflow
	}
	out, _ := bits.Div64(hi, lo, den)
	if out > uint64(1)<<62 {
		return 0, domain.ErrOverflow
	}
	return int64(out), nil
}

// MinPeriod returns the enforced minimum observation period.
func (a *Accumulator) MinPeriod() time.Duration {
	return a.minPeriod
}

// Observations returns the current (old, new) window pair.
func (a *Accumulator) Observations() (prev, latest domain.PriceObservation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.obsOld, a.obsNew
}

// priceFraction returns (num / den) in Q32.32, computed through a 128-bit
// intermediate so precision is not lost before the shift.
func priceFraction(num, den uint64) (uint64, error) {
	if den == 0 {
		return 0, domain.ErrZeroValue
	}
	hi, lo := bits.Mul64(num, 1<<priceShift)
	if hi >= den {
		// The instantaneous price does not fit Q32.32; this is a feed
		// anomaly, unlike counter wraparound which is expected.
		return 0, domain.ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// scaleAmount multiplies amountIn by a Q32.32 price and scales back down.
func scaleAmount(price uint64, amountIn int64) (int64, error) {
	hi, lo := bits.Mul64(price, uint64(amountIn))
	if hi >= 1<<priceShift {
		return 0, domain.ErrOverflow
	}
	out := hi<<(64-priceShift) | lo>>priceShift
	if out > uint64(1)<<62 {
		return 0, domain.ErrOverflow
	}
	return int64(out), nil
}
