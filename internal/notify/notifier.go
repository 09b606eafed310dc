// Package notify alerts operators about administrative engine events.
// Notifications are dispatched to all registered senders (Telegram,
// Discord) and filtered by event type so operators receive only the alerts
// they care about.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/oraclepay/internal/audit"
	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// DefaultEvents is the admin event set forwarded when no filter is
// configured: operational state changes an operator should know about,
// excluding the high-volume per-settlement and per-question events.
var DefaultEvents = []string{
	domain.EventFeeUpdated,
	domain.EventFeesWithdrawn,
	domain.EventPaused,
	domain.EventUnpaused,
	domain.EventAnswererRotated,
	domain.EventOwnerRotated,
}

// Notifier dispatches engine events to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that forwards only events whose type
// appears in the events slice. An empty slice means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Watch subscribes to the audit event channel and forwards matching events
// until ctx is cancelled. Intended to run in its own goroutine.
func (n *Notifier) Watch(ctx context.Context, bus domain.EventBus) error {
	ch, err := bus.Subscribe(ctx, audit.PubSubChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}

			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				n.logger.Warn("malformed event payload", slog.String("error", err.Error()))
				continue
			}
			if err := n.NotifyEvent(ctx, ev); err != nil {
				n.logger.Error("notification delivery failed",
					slog.String("event_type", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// NotifyEvent formats and dispatches a single event if its type passes the
// filter.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.events[ev.Type] {
		return nil
	}
	return n.dispatch(ctx, titleFor(ev.Type), formatPayload(ev.Payload))
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders; failures are collected and returned as
// one combined error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func titleFor(eventType string) string {
	switch eventType {
	case domain.EventFeeUpdated:
		return "Fee rate updated"
	case domain.EventFeesWithdrawn:
		return "Platform fees withdrawn"
	case domain.EventPaused:
		return "Settlement engine PAUSED"
	case domain.EventUnpaused:
		return "Settlement engine resumed"
	case domain.EventAnswererRotated:
		return "Answerer key rotated"
	case domain.EventOwnerRotated:
		return "Ownership transferred"
	default:
		return eventType
	}
}

// formatPayload renders the payload as sorted "key: value" lines.
func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "(no details)"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, payload[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
