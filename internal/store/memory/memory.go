// Package memory implements the domain store interfaces with in-process
// maps. Used by tests and the sim run mode; production deployments use the
// postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// QuestionStore is an in-memory domain.QuestionStore.
type QuestionStore struct {
	mu        sync.Mutex
	questions map[int64]domain.Question
	answers   map[int64]domain.Answer
	balance   int64
}

// NewQuestionStore creates an empty QuestionStore.
func NewQuestionStore() *QuestionStore {
	return &QuestionStore{
		questions: make(map[int64]domain.Question),
		answers:   make(map[int64]domain.Answer),
	}
}

func (s *QuestionStore) CreateQuestion(_ context.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = q
	return nil
}

func (s *QuestionStore) MarkAnswered(_ context.Context, id int64, a domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.ErrNotFound
	}
	q.Status = domain.QuestionAnswered
	s.questions[id] = q
	s.answers[id] = a
	s.balance += q.Bounty
	return nil
}

func (s *QuestionStore) MarkRefunded(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.ErrNotFound
	}
	q.Refunded = true
	q.Bounty = 0
	s.questions[id] = q
	return nil
}

func (s *QuestionStore) GetAnswer(_ context.Context, id int64) (domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[id]
	if !ok {
		return domain.Answer{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *QuestionStore) ListQuestions(_ context.Context, opts domain.ListOpts) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *QuestionStore) SetAnswererBalance(_ context.Context, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
	return nil
}

func (s *QuestionStore) AnswererBalance(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

// PaymentStore is an in-memory domain.PaymentStore.
type PaymentStore struct {
	mu          sync.Mutex
	used        map[common.Hash]struct{}
	settlements map[string]domain.Settlement
	order       []string
}

// NewPaymentStore creates an empty PaymentStore.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{
		used:        make(map[common.Hash]struct{}),
		settlements: make(map[string]domain.Settlement),
	}
}

func (s *PaymentStore) MarkUsed(_ context.Context, key common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.used[key]; dup {
		return domain.ErrPaymentUsed
	}
	s.used[key] = struct{}{}
	return nil
}

func (s *PaymentStore) Unmark(_ context.Context, key common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.used, key)
	return nil
}

func (s *PaymentStore) ListUsed(context.Context) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.Hash, 0, len(s.used))
	for k := range s.used {
		out = append(out, k)
	}
	return out, nil
}

func (s *PaymentStore) RecordSettlement(_ context.Context, rec domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *PaymentStore) DeleteSettlement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settlements, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *PaymentStore) ListSettlements(_ context.Context, opts domain.ListOpts) ([]domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Settlement, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.settlements[id])
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// FeeStore is an in-memory domain.FeeStore.
type FeeStore struct {
	mu     sync.Mutex
	state  domain.FeeState
	loaded bool
	totals map[common.Address]domain.AccountTotals
}

// NewFeeStore creates an empty FeeStore.
func NewFeeStore() *FeeStore {
	return &FeeStore{totals: make(map[common.Address]domain.AccountTotals)}
}

func (s *FeeStore) SaveFeeState(_ context.Context, st domain.FeeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.loaded = true
	return nil
}

func (s *FeeStore) LoadFeeState(context.Context) (domain.FeeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.FeeState{}, domain.ErrNotFound
	}
	return s.state, nil
}

func (s *FeeStore) AddTotals(_ context.Context, addr common.Address, paidDelta, receivedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.totals[addr]
	t.Address = addr
	t.Paid += paidDelta
	t.Received += receivedDelta
	s.totals[addr] = t
	return nil
}

func (s *FeeStore) GetTotals(_ context.Context, addr common.Address) (domain.AccountTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[addr]
	if !ok {
		return domain.AccountTotals{Address: addr}, nil
	}
	return t, nil
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *AuditStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, ev := range s.events {
		if ev.CreatedAt.Before(before) {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *AuditStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var pruned int64
	for _, ev := range s.events {
		if ev.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return pruned, nil
}

// Events returns a copy of all logged events. Used by tests.
func (s *AuditStore) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Compile-time interface checks.
var (
	_ domain.QuestionStore = (*QuestionStore)(nil)
	_ domain.PaymentStore  = (*PaymentStore)(nil)
	_ domain.FeeStore      = (*FeeStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
