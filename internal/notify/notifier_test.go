package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

type fakeSender struct {
	name     string
	titles   []string
	messages []string
	fail     bool
}

func (s *fakeSender) Send(_ context.Context, title, message string) error {
	if s.fail {
		return errors.New("delivery failed")
	}
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyEventFiltersByType(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())
	ctx := context.Background()

	// Admin events pass the default filter.
	require.NoError(t, n.NotifyEvent(ctx, domain.Event{
		Type:    domain.EventPaused,
		Payload: map[string]any{"owner": "0xabc"},
	}))
	require.Len(t, sender.titles, 1)
	assert.Equal(t, "Settlement engine PAUSED", sender.titles[0])

	// High-volume settlement events do not.
	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Type: domain.EventSettlement}))
	assert.Len(t, sender.titles, 1)
}

func TestNotifyEventCustomFilter(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{domain.EventSettlement}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Type: domain.EventSettlement}))
	assert.Len(t, sender.titles, 1)

	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Type: domain.EventPaused}))
	assert.Len(t, sender.titles, 1)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "bad", fail: true}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyEvent(context.Background(), domain.Event{Type: domain.EventPaused})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	// The healthy sender still received the notification.
	assert.Len(t, good.titles, 1)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.NotifyAll(context.Background(), "Engine started", "mode: engine"))
	require.Len(t, sender.titles, 1)
	assert.Equal(t, "Engine started", sender.titles[0])
}

func TestNoSendersIsANoop(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.NotifyEvent(context.Background(), domain.Event{Type: domain.EventPaused}))
}

func TestFormatPayloadSortsKeys(t *testing.T) {
	out := formatPayload(map[string]any{
		"next_bps":     int64(250),
		"previous_bps": int64(100),
	})
	assert.Equal(t, "next_bps: 250\nprevious_bps: 100", out)

	assert.Equal(t, "(no details)", formatPayload(nil))
}

func TestTitleForUnknownTypeFallsBack(t *testing.T) {
	assert.Equal(t, "some_event", titleFor("some_event"))
}
