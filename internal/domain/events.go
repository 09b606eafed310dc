package domain

import (
	"context"
	"time"
)

// Audit event types emitted by the engines. Every mutating operation emits
// exactly one event carrying the full variable-length payload.
const (
	EventQuestionAsked    = "question_asked"
	EventQuestionAnswered = "question_answered"
	EventQuestionRefunded = "question_refunded"
	EventWithdrawal       = "withdrawal"
	EventSettlement       = "settlement"
	EventFeeUpdated       = "fee_updated"
	EventFeesWithdrawn    = "fees_withdrawn"
	EventPaused           = "paused"
	EventUnpaused         = "unpaused"
	EventAnswererRotated  = "answerer_rotated"
	EventOwnerRotated     = "owner_rotated"
	EventOracleRefreshed  = "oracle_refreshed"
)

// Event is a single append-only audit record.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// AuditSink receives audit events from the engines. Implementations must
// not fail the calling operation: an audit transport problem is logged, not
// propagated, because the mutation it describes has already committed.
type AuditSink interface {
	Emit(ctx context.Context, typ string, payload map[string]any)
}

// NopAuditSink discards events. Used in tests and as a default.
type NopAuditSink struct{}

func (NopAuditSink) Emit(context.Context, string, map[string]any) {}
