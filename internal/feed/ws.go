package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// reserveMessage is the wire format of one reserve-stream update.
type reserveMessage struct {
	Reserve0         uint64 `json:"reserve0"`
	Reserve1         uint64 `json:"reserve1"`
	Price0Cumulative uint64 `json:"price0_cumulative"`
	Price1Cumulative uint64 `json:"price1_cumulative"`
	Timestamp        int64  `json:"timestamp"`
}

// WSFeed subscribes to a live reserve stream over websocket and serves the
// latest snapshot to the accumulator. Reads never block on the network: the
// accumulator sees whatever the stream last delivered. Reconnects with a
// fixed backoff on disconnect.
type WSFeed struct {
	wsURL          string
	token0, token1 common.Address
	logger         *slog.Logger

	mu      sync.RWMutex
	last    reserveMessage
	primed  bool
	readyCh chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a feed for the pair served at wsURL.
func NewWSFeed(wsURL string, token0, token1 common.Address, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:   wsURL,
		token0:  token0,
		token1:  token1,
		logger:  logger.With(slog.String("component", "reserve_ws_feed")),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes updates until ctx is cancelled, reconnecting
// with backoff on disconnect.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("reserve stream disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	f.logger.Info("reserve stream connected", slog.String("url", f.wsURL))

	// Unblock the read loop when the context ends.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		var msg reserveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Warn("malformed reserve message", slog.String("error", err.Error()))
			continue
		}

		f.mu.Lock()
		f.last = msg
		if !f.primed {
			f.primed = true
			close(f.readyCh)
		}
		f.mu.Unlock()
	}
}

// WaitReady blocks until the first snapshot has arrived or ctx ends.
func (f *WSFeed) WaitReady(ctx context.Context) error {
	select {
	case <-f.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tokens implements domain.ReserveFeed.
func (f *WSFeed) Tokens() (common.Address, common.Address) {
	return f.token0, f.token1
}

// Reserves implements domain.ReserveFeed.
func (f *WSFeed) Reserves(context.Context) (uint64, uint64, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.primed {
		return 0, 0, time.Time{}, fmt.Errorf("feed: no snapshot yet: %w", domain.ErrNotFound)
	}
	return f.last.Reserve0, f.last.Reserve1, time.Unix(f.last.Timestamp, 0), nil
}

// Cumulatives implements domain.ReserveFeed.
func (f *WSFeed) Cumulatives(context.Context) (uint64, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.primed {
		return 0, 0, fmt.Errorf("feed: no snapshot yet: %w", domain.ErrNotFound)
	}
	return f.last.Price0Cumulative, f.last.Price1Cumulative, nil
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// Compile-time interface check.
var _ domain.ReserveFeed = (*WSFeed)(nil)
