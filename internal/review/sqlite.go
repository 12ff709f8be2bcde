package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/sbs-integration-engine/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file for standalone mode.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; concurrent enqueues from a batch queue up here
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		facility_id TEXT NOT NULL,
		local_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		description_key TEXT NOT NULL,
		suggested_code TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		resolved_code TEXT NOT NULL DEFAULT '',
		reviewer TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(facility_id, local_code, description_key)
	);

	CREATE INDEX IF NOT EXISTS idx_review_items_status ON review_items(status, created_at);

	CREATE TABLE IF NOT EXISTS learned_mappings (
		description_key TEXT PRIMARY KEY,
		standard_code TEXT NOT NULL,
		review_item_id INTEGER REFERENCES review_items(id),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Enqueue adds an item or refreshes the suggestion on a pending duplicate.
// Items a reviewer already resolved are left unchanged.
func (s *SQLiteStore) Enqueue(ctx context.Context, item *domain.ReviewItem) error {
	now := time.Now().UTC()
	if err := prepareItem(item, now); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	var (
		existingID int64
		status     string
		createdAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, status, created_at FROM review_items WHERE facility_id = ? AND local_code = ? AND description_key = ?",
		item.FacilityID, item.LocalCode, item.DescriptionKey,
	).Scan(&existingID, &status, &createdAt)

	switch {
	case err == nil:
		item.ID = existingID
		item.CreatedAt = createdAt.UTC()
		item.Status = domain.ReviewStatus(status)
		if item.Status != domain.ReviewPending {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE review_items SET
				description = ?, suggested_code = ?, confidence = ?, source = ?, updated_at = ?
			WHERE id = ?`,
			item.Description, item.SuggestedCode, item.Confidence, string(item.Source), now, existingID,
		); err != nil {
			return fmt.Errorf("failed to update review item: %w", err)
		}

	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx, `
			INSERT INTO review_items (
				facility_id, local_code, description, description_key,
				suggested_code, confidence, source, status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.FacilityID, item.LocalCode, item.Description, item.DescriptionKey,
			item.SuggestedCode, item.Confidence, string(item.Source), string(item.Status), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert review item: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get insert ID: %w", err)
		}
		item.ID = id

	default:
		return fmt.Errorf("failed to check existing: %w", err)
	}

	return tx.Commit()
}

// Get returns one review item.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.ReviewItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM review_items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review item: %w", err)
	}
	return item, nil
}

// List returns review items matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*domain.ReviewItem, error) {
	query, args, err := listQuery(filter, sq.Question)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.ReviewItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// Count returns the number of items in a status.
func (s *SQLiteStore) Count(ctx context.Context, status domain.ReviewStatus) (int64, error) {
	query, args, err := countQuery(status, sq.Question)
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	var count int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// Resolve records the decision and updates the learned mapping for the
// item's description.
func (s *SQLiteStore) Resolve(ctx context.Context, id int64, resolution Resolution) (*domain.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM review_items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review item: %w", err)
	}

	code, err := resolution.Validate(item)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE review_items SET
			status = ?, resolved_code = ?, reviewer = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		string(resolution.Status), code, resolution.Reviewer, resolution.Notes, now, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update review item: %w", err)
	}

	if code != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO learned_mappings (description_key, standard_code, review_item_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(description_key) DO UPDATE SET
				standard_code = excluded.standard_code,
				review_item_id = excluded.review_item_id,
				updated_at = excluded.updated_at`,
			item.DescriptionKey, code, id, now, now)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM learned_mappings WHERE review_item_id = ?", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update learned mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	item.Status = resolution.Status
	item.ResolvedCode = code
	item.Reviewer = resolution.Reviewer
	item.Notes = resolution.Notes
	item.UpdatedAt = now
	return item, nil
}

// LearnedMapping returns the reviewer-confirmed code for a description key.
func (s *SQLiteStore) LearnedMapping(ctx context.Context, descriptionKey string) (*domain.NormalizationResult, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		"SELECT standard_code FROM learned_mappings WHERE description_key = ?", descriptionKey).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("no learned mapping for description")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get learned mapping: %w", err)
	}
	return learnedResult(code), nil
}

// ExportJSON exports all review items and learned mappings.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	items, err := s.List(ctx, ListFilter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list review items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT description_key, standard_code, review_item_id, updated_at FROM learned_mappings ORDER BY description_key")
	if err != nil {
		return fmt.Errorf("failed to list learned mappings: %w", err)
	}
	learned, err := scanLearned(rows)
	if err != nil {
		return fmt.Errorf("failed to scan learned mappings: %w", err)
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(newExport(items, learned))
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
