// Package feed provides reserve-feed adapters for the price accumulator: a
// deterministic in-process simulation and a websocket client for a live
// reserve stream.
package feed

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// SimFeed is an in-process reserve feed with mutable reserves. It maintains
// the cumulative price counters the way a constant-product pair does: every
// reserve update first accrues price * elapsed into the counters, then swaps
// in the new reserves. Used by tests and the sim run mode.
type SimFeed struct {
	mu sync.Mutex

	token0, token1 common.Address
	reserve0       uint64
	reserve1       uint64
	updatedAt      time.Time

	price0Cumulative uint64
	price1Cumulative uint64

	now func() time.Time
}

// SimOption customises a SimFeed.
type SimOption func(*SimFeed)

// WithSimClock overrides the feed's time source. Used by tests.
func WithSimClock(now func() time.Time) SimOption {
	return func(f *SimFeed) { f.now = now }
}

// NewSimFeed creates a simulated pair with the given initial reserves.
func NewSimFeed(token0, token1 common.Address, reserve0, reserve1 uint64, opts ...SimOption) *SimFeed {
	f := &SimFeed{
		token0:   token0,
		token1:   token1,
		reserve0: reserve0,
		reserve1: reserve1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.updatedAt = f.now()
	return f
}

// SetReserves accrues the pending price-time contribution at the old
// reserves, then installs the new ones.
func (f *SimFeed) SetReserves(reserve0, reserve1 uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.accrue()
	f.reserve0 = reserve0
	f.reserve1 = reserve1
}

// accrue advances the cumulative counters to now; callers hold f.mu.
func (f *SimFeed) accrue() {
	now := f.now()
	if !now.After(f.updatedAt) || f.reserve0 == 0 || f.reserve1 == 0 {
		f.updatedAt = now
		return
	}
	elapsed := uint64(now.Unix() - f.updatedAt.Unix())

	// Wrapping additions, matching the accumulator's modular model.
	f.price0Cumulative += q32Fraction(f.reserve1, f.reserve0) * elapsed
	f.price1Cumulative += q32Fraction(f.reserve0, f.reserve1) * elapsed
	f.updatedAt = now
}

// Tokens implements domain.ReserveFeed.
func (f *SimFeed) Tokens() (common.Address, common.Address) {
	return f.token0, f.token1
}

// Reserves implements domain.ReserveFeed.
func (f *SimFeed) Reserves(context.Context) (uint64, uint64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserve0, f.reserve1, f.updatedAt, nil
}

// Cumulatives implements domain.ReserveFeed.
func (f *SimFeed) Cumulatives(context.Context) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price0Cumulative, f.price1Cumulative, nil
}

// q32Fraction returns num/den in Q32.32 through a 128-bit intermediate.
// Quotients that do not fit saturate to the maximum representable price;
// the sim feed never reports an error for them.
func q32Fraction(num, den uint64) uint64 {
	hi, lo := bits.Mul64(num, 1<<32)
	if hi >= den {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// Compile-time interface check.
var _ domain.ReserveFeed = (*SimFeed)(nil)
