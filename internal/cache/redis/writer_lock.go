package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes the TTL only while the caller still holds the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// WriterLock implements domain.WriterLock using Redis SETNX with a TTL and a
// Lua-based conditional unlock. The lock is refreshed in the background while
// held so a live holder never expires.
type WriterLock struct {
	rdb      *redis.Client
	key      string
	ttl      time.Duration
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewWriterLock creates a WriterLock for the given deployment key. A TTL of
// zero defaults to 30 seconds.
func NewWriterLock(c *Client, key string, ttl time.Duration) *WriterLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &WriterLock{
		rdb:      c.Underlying(),
		key:      "writer_lock:" + key,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

// Acquire obtains the writer lock or returns domain.ErrLockHeld. On success
// it starts a background goroutine that extends the TTL until release is
// called. The release function is safe to call more than once.
func (wl *WriterLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()

	ok, err := wl.rdb.SetNX(ctx, wl.key, token, wl.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire writer lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stopCh := make(chan struct{})
	go wl.refresh(token, stopCh)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		close(stopCh)

		// Use a background context so release succeeds even if the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = wl.unlockSc.Run(unlockCtx, wl.rdb, []string{wl.key}, token).Err()
	}

	return release, nil
}

func (wl *WriterLock) refresh(token string, stopCh <-chan struct{}) {
	ticker := time.NewTicker(wl.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = wl.extendSc.Run(ctx, wl.rdb, []string{wl.key}, token, wl.ttl.Milliseconds()).Err()
			cancel()
		}
	}
}

// Compile-time interface check.
var _ domain.WriterLock = (*WriterLock)(nil)
