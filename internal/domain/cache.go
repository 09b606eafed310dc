package domain

import "context"

// EventBus publishes audit events to external consumers (indexers,
// analytics). Publish is ephemeral pub/sub; StreamAppend is durable and
// ordered.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// WriterLock guards the single-writer guarantee across processes: exactly
// one engine instance may hold the lock for a deployment at a time.
type WriterLock interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned release
	// function is safe to call more than once.
	Acquire(ctx context.Context) (release func(), err error)
}
