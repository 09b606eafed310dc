// Package domain defines the core types, store interfaces, and sentinel
// errors shared by the oraclepay engines. It deliberately contains no
// business logic; the ledger, oracle, and settlement packages own that.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// QuestionType tags what kind of data a question is asking for.
type QuestionType string

const (
	QuestionGeneral QuestionType = "general"
	QuestionPrice   QuestionType = "price"
	QuestionYesNo   QuestionType = "yesno"
	QuestionNumeric QuestionType = "numeric"
)

// Valid reports whether t is one of the four recognised question types.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionGeneral, QuestionPrice, QuestionYesNo, QuestionNumeric:
		return true
	}
	return false
}

// QuestionStatus is the lifecycle state of a question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
)

// Question is the compact durable record of an escrowed data request. The
// verbatim question text is not retained here; only its keccak256 hash is.
// The full text is emitted once as an audit event at creation.
type Question struct {
	ID        int64
	Requester common.Address
	Bounty    int64 // escrowed micro-units; zeroed on refund
	TextHash  common.Hash
	Type      QuestionType
	Status    QuestionStatus
	Refunded  bool
	CreatedAt time.Time
	Deadline  time.Time
}

// Answer is the designated answerer's response to a question. Free-text
// explanation and the data-source label are audit-event-only, like the
// question text.
type Answer struct {
	QuestionID int64
	Answerer   common.Address
	Confidence uint8 // 0-100 inclusive
	Result     bool
	Numeric    int64
	CreatedAt  time.Time
}
