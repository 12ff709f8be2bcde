package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const transactionColumns = `transaction_id, document_id, facility_id, request_type, status,
	retry_count, http_status_code, error_message, nphies_transaction_id, outcome,
	created_at, updated_at, completed_at`

// TransactionRepository persists clearinghouse transactions and their
// attempt history. State changes are applied under a row lock so the
// transition table is enforced across processes.
type TransactionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *pgxpool.Pool, logger *logrus.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new transaction.
func (r *TransactionRepository) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO nphies_transactions (
			transaction_id, document_id, facility_id, request_type, status,
			retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.DocumentID,
		tx.FacilityID,
		string(tx.RequestType),
		string(tx.Status),
		tx.RetryCount,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: transaction %s already exists", domain.ErrInvalidInput, tx.ID)
		}
		r.log.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"error":          err,
		}).Error("Failed to create transaction")
		return fmt.Errorf("creating transaction: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"facility_id":    tx.FacilityID,
		"request_type":   tx.RequestType,
	}).Debug("Transaction created")
	return nil
}

// Get returns a transaction with its attempts.
func (r *TransactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.load(ctx, r.db, id, false)
}

// AppendAttempt records an attempt on a non-terminal transaction.
func (r *TransactionRepository) AppendAttempt(ctx context.Context, id string, attempt domain.Attempt) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := pgx.BeginFunc(ctx, r.db, func(dbtx pgx.Tx) error {
		tx, err := r.load(ctx, dbtx, id, true)
		if err != nil {
			return err
		}
		if err := tx.RecordAttempt(attempt); err != nil {
			return err
		}
		a := tx.Attempts[len(tx.Attempts)-1]

		if _, err := dbtx.Exec(ctx, `
			INSERT INTO nphies_transaction_attempts (
				transaction_id, attempt_number, attempted_at, status_code,
				classification, summary, duration_ms
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, a.Number, a.Timestamp, a.StatusCode, string(a.Classification), a.Summary, a.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("inserting attempt: %w", err)
		}

		if _, err := dbtx.Exec(ctx, `
			UPDATE nphies_transactions
			SET retry_count = $2, http_status_code = $3, error_message = $4, updated_at = $5
			WHERE transaction_id = $1`,
			id, tx.RetryCount, tx.LastStatusCode, tx.LastMessage, tx.UpdatedAt); err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, r.wrap("appending attempt", id, err)
	}
	return out, nil
}

// Claim takes the submission lease under a row lock, so only one process
// submits a transaction at a time.
func (r *TransactionRepository) Claim(ctx context.Context, id string, staleBefore, now time.Time) (*domain.Transaction, bool, error) {
	var (
		out     *domain.Transaction
		claimed bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(dbtx pgx.Tx) error {
		tx, err := r.load(ctx, dbtx, id, true)
		if err != nil {
			return err
		}
		if claimed, err = tx.Claim(staleBefore, now); err != nil {
			return err
		}
		if claimed {
			if _, err := dbtx.Exec(ctx, `
				UPDATE nphies_transactions SET status = $2, updated_at = $3
				WHERE transaction_id = $1`,
				id, string(tx.Status), tx.UpdatedAt); err != nil {
				return fmt.Errorf("claiming transaction: %w", err)
			}
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, false, r.wrap("claiming", id, err)
	}
	return out, claimed, nil
}

// SetStatus applies a state transition under a row lock.
func (r *TransactionRepository) SetStatus(ctx context.Context, id string, status domain.TransactionStatus, update domain.StatusUpdate) (*domain.Transaction, error) {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}

	var out *domain.Transaction
	err := pgx.BeginFunc(ctx, r.db, func(dbtx pgx.Tx) error {
		tx, err := r.load(ctx, dbtx, id, true)
		if err != nil {
			return err
		}
		if err := tx.Transition(status, at); err != nil {
			return err
		}
		applyUpdate(tx, update)

		if _, err := dbtx.Exec(ctx, `
			UPDATE nphies_transactions
			SET status = $2, http_status_code = $3, error_message = $4,
				nphies_transaction_id = $5, outcome = $6, updated_at = $7, completed_at = $8
			WHERE transaction_id = $1`,
			id, string(tx.Status), tx.LastStatusCode, tx.LastMessage,
			tx.ExternalID, tx.Outcome, tx.UpdatedAt, tx.CompletedAt); err != nil {
			return fmt.Errorf("updating transaction status: %w", err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, r.wrap("setting status", id, err)
	}

	r.log.WithFields(logrus.Fields{
		"transaction_id": id,
		"status":         status,
	}).Debug("Transaction status updated")
	return out, nil
}

// List returns transactions matching the filter, newest first.
func (r *TransactionRepository) List(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	query, args, err := buildListQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("building transaction query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var (
		txs   []*domain.Transaction
		ids   []string
		index = make(map[string]*domain.Transaction)
	)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
		index[tx.ID] = tx
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Transaction{}, nil
	}

	attempts, err := r.db.Query(ctx, `
		SELECT transaction_id, attempt_number, attempted_at, status_code, classification, summary, duration_ms
		FROM nphies_transaction_attempts
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, attempt_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer attempts.Close()

	for attempts.Next() {
		txID, a, err := scanAttempt(attempts)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		if tx, ok := index[txID]; ok {
			tx.Attempts = append(tx.Attempts, a)
		}
	}
	return txs, attempts.Err()
}

func buildListQuery(filter domain.TransactionFilter) (string, []interface{}, error) {
	q := psql.Select(transactionColumns).
		From("nphies_transactions").
		OrderBy("created_at DESC", "transaction_id")

	if filter.FacilityID != "" {
		q = q.Where(sq.Eq{"facility_id": filter.FacilityID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.Since})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q.ToSql()
}

func (r *TransactionRepository) load(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM nphies_transactions WHERE transaction_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	tx, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError(fmt.Sprintf("transaction %s not found", id))
		}
		return nil, fmt.Errorf("getting transaction: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT transaction_id, attempt_number, attempted_at, status_code, classification, summary, duration_ms
		FROM nphies_transaction_attempts
		WHERE transaction_id = $1
		ORDER BY attempt_number`, id)
	if err != nil {
		return nil, fmt.Errorf("getting attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		_, a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		tx.Attempts = append(tx.Attempts, a)
	}
	return tx, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx          domain.Transaction
		requestType string
		status      string
		completedAt *time.Time
	)
	err := row.Scan(
		&tx.ID,
		&tx.DocumentID,
		&tx.FacilityID,
		&requestType,
		&status,
		&tx.RetryCount,
		&tx.LastStatusCode,
		&tx.LastMessage,
		&tx.ExternalID,
		&tx.Outcome,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.RequestType = domain.RequestType(requestType)
	tx.Status = domain.TransactionStatus(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	if completedAt != nil {
		c := completedAt.UTC()
		tx.CompletedAt = &c
	}
	tx.Attempts = []domain.Attempt{}
	return &tx, nil
}

func scanAttempt(row pgx.Row) (string, domain.Attempt, error) {
	var (
		txID       string
		a          domain.Attempt
		class      string
		durationMS int64
	)
	if err := row.Scan(&txID, &a.Number, &a.Timestamp, &a.StatusCode, &class, &a.Summary, &durationMS); err != nil {
		return "", a, err
	}
	a.Timestamp = a.Timestamp.UTC()
	a.Classification = domain.AttemptClass(class)
	a.Duration = time.Duration(durationMS) * time.Millisecond
	return txID, a, nil
}

func (r *TransactionRepository) wrap(op, id string, err error) error {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"transaction_id": id,
		"error":          err,
	}).Error("Transaction update failed")
	return fmt.Errorf("%s for transaction %s: %w", op, id, err)
}
