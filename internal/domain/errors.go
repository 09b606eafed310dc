package domain

import "errors"

// Validation errors: malformed input, rejected before any state change.
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrZeroValue       = errors.New("value must be positive")
	ErrEmptyText       = errors.New("text must not be empty")
	ErrTextTooLong     = errors.New("text exceeds maximum length")
	ErrEmptySource     = errors.New("source label must not be empty")
	ErrConfidenceRange = errors.New("confidence out of range")
	ErrBountyTooSmall  = errors.New("bounty below minimum fee")
	ErrDeadlinePast    = errors.New("deadline is in the past")
	ErrDeadlineExpired = errors.New("authorization deadline expired")
	ErrDeadlineTooFar  = errors.New("deadline beyond accepted window")
	ErrUnknownAsset    = errors.New("asset is not part of the pair")
	ErrUnknownType     = errors.New("unknown question type")
)

// Overflow: a value exceeds its bounded field. Never truncated or wrapped.
var ErrOverflow = errors.New("value overflows bounded field")

// State-conflict errors: the operation is well-formed but the ledger is not
// in a state that permits it.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyAnswered  = errors.New("question already answered")
	ErrAlreadyRefunded  = errors.New("question already refunded")
	ErrRefundTooEarly   = errors.New("refund period has not elapsed")
	ErrPaymentUsed      = errors.New("payment authorization already used")
	ErrPeriodNotElapsed = errors.New("minimum observation period has not elapsed")
	ErrPaused           = errors.New("engine is paused")
)

// Authorization errors.
var (
	ErrBadSignature = errors.New("signature does not recover to signer")
	ErrNotOwner     = errors.New("caller is not the owner")
	ErrNotAnswerer  = errors.New("caller is not the designated answerer")
	ErrNotRequester = errors.New("caller is not the original requester")
)

// Treasury errors.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrFeeTooHigh            = errors.New("fee rate exceeds cap")
)

// Infrastructure errors.
var ErrLockHeld = errors.New("lock already held")
