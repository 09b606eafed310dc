// Package audit records engine events durably and fans them out to
// external consumers.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// Channel and stream names for event fan-out.
const (
	PubSubChannel = "oraclepay:events"
	EventStream   = "oraclepay:event_stream"
)

// Auditor implements domain.AuditSink. Every event is written to the audit
// store, appended to the durable event stream, and published for live
// subscribers. Failures are logged but never propagated: audit is
// best-effort and must not fail the operation that produced the event.
type Auditor struct {
	store  domain.AuditStore
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// New creates an Auditor. bus may be nil, in which case events are only
// written to the store.
func New(store domain.AuditStore, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Auditor {
	a := &Auditor{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "audit")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Emit records one event.
func (a *Auditor) Emit(ctx context.Context, typ string, payload map[string]any) {
	ev := domain.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		CreatedAt: a.now().UTC(),
	}

	if err := a.store.Log(ctx, ev); err != nil {
		a.logger.Error("audit store write failed",
			slog.String("event_type", typ),
			slog.String("error", err.Error()),
		)
	}

	if a.bus == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("audit event marshal failed",
			slog.String("event_type", typ),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := a.bus.StreamAppend(ctx, EventStream, data); err != nil {
		a.logger.Warn("audit stream append failed",
			slog.String("event_type", typ),
			slog.String("error", err.Error()),
		)
	}
	if err := a.bus.Publish(ctx, PubSubChannel, data); err != nil {
		a.logger.Warn("audit publish failed",
			slog.String("event_type", typ),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ domain.AuditSink = (*Auditor)(nil)
