package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// streamMaxLen caps audit streams at roughly this many entries; XADD trims
// with MAXLEN ~ so the cut is approximate.
const streamMaxLen int64 = 10000

// subscribeBuffer is the capacity of the channel handed to subscribers.
const subscribeBuffer = 128

// EventBus implements domain.EventBus on Redis: Pub/Sub carries ephemeral
// fan-out, Streams carry the durable ordered history.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

var _ domain.EventBus = (*EventBus)(nil)

// Publish sends a raw payload to a Pub/Sub channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and returns the payload channel.
// Names containing glob wildcards subscribe by pattern. Cancelling ctx tears
// the subscription down and closes the returned channel.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	subscribe := b.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = b.rdb.PSubscribe
	}
	pubsub := subscribe(ctx, channel)

	// Wait for the server to confirm before handing the channel out.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go pump(ctx, pubsub, out)
	return out, nil
}

// pump forwards Pub/Sub messages into out until ctx is cancelled or the
// subscription drops, then closes both.
func pump(ctx context.Context, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		var msg *redis.Message
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-msgs:
			if !ok {
				return
			}
		}
		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend appends a payload to a stream, trimming it to streamMaxLen.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}
