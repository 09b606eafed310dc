package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReserveFeed is the external price feed the accumulator reads. It exposes
// the pair's instantaneous reserves, the timestamp of the feed's own last
// internal update, and the two raw cumulative price counters as of that
// update. The accumulator only ever reads the feed.
type ReserveFeed interface {
	// Tokens returns the two sides of the pair in canonical order.
	Tokens() (token0, token1 common.Address)

	// Reserves returns the current reserves and the feed's last update time.
	Reserves(ctx context.Context) (reserve0, reserve1 uint64, updatedAt time.Time, err error)

	// Cumulatives returns the raw price-time integrals as of the last update.
	// The counters wrap around modulo 2^64; wraparound is not an error.
	Cumulatives(ctx context.Context) (price0Cumulative, price1Cumulative uint64, err error)
}

// PriceObservation is one snapshot of the pair's cumulative price integrals.
// Two of these (old, new) form the sliding TWAP window.
type PriceObservation struct {
	Timestamp        time.Time
	Price0Cumulative uint64
	Price1Cumulative uint64
}
