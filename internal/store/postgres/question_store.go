package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// QuestionStore implements domain.QuestionStore using PostgreSQL.
type QuestionStore struct {
	pool *pgxpool.Pool
}

// NewQuestionStore creates a QuestionStore backed by the given pool.
func NewQuestionStore(pool *pgxpool.Pool) *QuestionStore {
	return &QuestionStore{pool: pool}
}

// CreateQuestion inserts a new question record.
func (s *QuestionStore) CreateQuestion(ctx context.Context, q domain.Question) error {
	const query = `
		INSERT INTO questions (
			id, requester, bounty, text_hash, question_type,
			status, refunded, created_at, deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		q.ID, q.Requester.Hex(), q.Bounty, q.TextHash.Hex(), string(q.Type),
		string(q.Status), q.Refunded, q.CreatedAt, q.Deadline,
	)
	if err != nil {
		return fmt.Errorf("postgres: create question %d: %w", q.ID, err)
	}
	return nil
}

// MarkAnswered stores the answer, flips the question status, and credits
// the answerer balance, all in one transaction.
func (s *QuestionStore) MarkAnswered(ctx context.Context, id int64, a domain.Answer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE questions SET status = $1 WHERE id = $2 AND status = $3 AND NOT refunded`,
		string(domain.QuestionAnswered), id, string(domain.QuestionPending),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark question %d answered: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO answers (question_id, answerer, confidence, result, numeric_result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, a.Answerer.Hex(), int16(a.Confidence), a.Result, a.Numeric, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert answer %d: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_state
		 SET answerer_balance = answerer_balance + (SELECT bounty FROM questions WHERE id = $1)
		 WHERE id = 1`,
		id,
	); err != nil {
		return fmt.Errorf("postgres: credit answerer balance: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkRefunded flags the question refunded and zeroes its stored bounty.
func (s *QuestionStore) MarkRefunded(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE questions SET refunded = TRUE, bounty = 0
		 WHERE id = $1 AND status = $2 AND NOT refunded`,
		id, string(domain.QuestionPending),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark question %d refunded: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const questionSelectCols = `id, requester, bounty, text_hash, question_type,
	status, refunded, created_at, deadline`

func scanQuestion(scanner interface{ Scan(dest ...any) error }) (domain.Question, error) {
	var q domain.Question
	var requester, textHash, typ, status string

	err := scanner.Scan(
		&q.ID, &requester, &q.Bounty, &textHash, &typ,
		&status, &q.Refunded, &q.CreatedAt, &q.Deadline,
	)
	if err != nil {
		return domain.Question{}, err
	}

	q.Requester = common.HexToAddress(requester)
	q.TextHash = common.HexToHash(textHash)
	q.Type = domain.QuestionType(typ)
	q.Status = domain.QuestionStatus(status)
	return q, nil
}

// GetAnswer retrieves the answer for a question, if any.
func (s *QuestionStore) GetAnswer(ctx context.Context, id int64) (domain.Answer, error) {
	var a domain.Answer
	var answerer string
	var confidence int16

	err := s.pool.QueryRow(ctx,
		`SELECT question_id, answerer, confidence, result, numeric_result, created_at
		 FROM answers WHERE question_id = $1`, id,
	).Scan(&a.QuestionID, &answerer, &confidence, &a.Result, &a.Numeric, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Answer{}, domain.ErrNotFound
		}
		return domain.Answer{}, fmt.Errorf("postgres: get answer %d: %w", id, err)
	}

	a.Answerer = common.HexToAddress(answerer)
	a.Confidence = uint8(confidence)
	return a, nil
}

// ListQuestions returns questions ordered by id with pagination.
func (s *QuestionStore) ListQuestions(ctx context.Context, opts domain.ListOpts) ([]domain.Question, error) {
	query := `SELECT ` + questionSelectCols + ` FROM questions ORDER BY id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list questions: %w", err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SetAnswererBalance overwrites the answerer's withdrawable balance.
func (s *QuestionStore) SetAnswererBalance(ctx context.Context, balance int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ledger_state SET answerer_balance = $1 WHERE id = 1`, balance)
	if err != nil {
		return fmt.Errorf("postgres: set answerer balance: %w", err)
	}
	return nil
}

// AnswererBalance reads the answerer's withdrawable balance.
func (s *QuestionStore) AnswererBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT answerer_balance FROM ledger_state WHERE id = 1`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("postgres: answerer balance: %w", err)
	}
	return balance, nil
}

// Compile-time interface check.
var _ domain.QuestionStore = (*QuestionStore)(nil)
