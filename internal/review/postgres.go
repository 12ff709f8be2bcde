package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/sbs-integration-engine/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a review store on an open connection.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a connection and creates a review store.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Enqueue upserts an item. A pending duplicate gets the fresh suggestion;
// a resolved one keeps its decision.
func (s *PostgresStore) Enqueue(ctx context.Context, item *domain.ReviewItem) error {
	now := time.Now().UTC()
	if err := prepareItem(item, now); err != nil {
		return err
	}

	query := `
		INSERT INTO review_items (
			facility_id, local_code, description, description_key,
			suggested_code, confidence, source, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT review_items_facility_code_key_unique DO UPDATE SET
			description = CASE WHEN review_items.status = 'pending' THEN EXCLUDED.description ELSE review_items.description END,
			suggested_code = CASE WHEN review_items.status = 'pending' THEN EXCLUDED.suggested_code ELSE review_items.suggested_code END,
			confidence = CASE WHEN review_items.status = 'pending' THEN EXCLUDED.confidence ELSE review_items.confidence END,
			source = CASE WHEN review_items.status = 'pending' THEN EXCLUDED.source ELSE review_items.source END,
			updated_at = CASE WHEN review_items.status = 'pending' THEN EXCLUDED.updated_at ELSE review_items.updated_at END
		RETURNING id, status, created_at, updated_at
	`

	var status string
	err := s.db.QueryRowContext(ctx, query,
		item.FacilityID,
		item.LocalCode,
		item.Description,
		item.DescriptionKey,
		item.SuggestedCode,
		item.Confidence,
		string(item.Source),
		string(item.Status),
		now,
		now,
	).Scan(&item.ID, &status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue review item: %w", err)
	}

	item.Status = domain.ReviewStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return nil
}

// Get returns one review item.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*domain.ReviewItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM review_items WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review item: %w", err)
	}
	return item, nil
}

// List returns review items matching the filter.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*domain.ReviewItem, error) {
	query, args, err := listQuery(filter, sq.Dollar)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer rows.Close()

	var items []*domain.ReviewItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Count returns the number of items in a status.
func (s *PostgresStore) Count(ctx context.Context, status domain.ReviewStatus) (int64, error) {
	query, args, err := countQuery(status, sq.Dollar)
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count review items: %w", err)
	}
	return count, nil
}

// Resolve records the decision under a row lock and updates the learned
// mapping for the item's description.
func (s *PostgresStore) Resolve(ctx context.Context, id int64, resolution Resolution) (*domain.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM review_items WHERE id = $1 FOR UPDATE", id))
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
		UPDATE review_items
		SET status = $2, resolved_code = $3, reviewer = $4, notes = $5, updated_at = $6
		WHERE id = $1`,
		id, string(resolution.Status), code, resolution.Reviewer, resolution.Notes, now,
	); err != nil {
		return nil, fmt.Errorf("failed to update review item: %w", err)
	}

	if code != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO learned_mappings (description_key, standard_code, review_item_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (description_key) DO UPDATE SET
				standard_code = EXCLUDED.standard_code,
				review_item_id = EXCLUDED.review_item_id,
				updated_at = EXCLUDED.updated_at`,
			item.DescriptionKey, code, id, now)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM learned_mappings WHERE review_item_id = $1", id)
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
func (s *PostgresStore) LearnedMapping(ctx context.Context, descriptionKey string) (*domain.NormalizationResult, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		"SELECT standard_code FROM learned_mappings WHERE description_key = $1", descriptionKey).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("no learned mapping for description")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get learned mapping: %w", err)
	}
	return learnedResult(code), nil
}

// ExportJSON exports all review items and learned mappings.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
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

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
