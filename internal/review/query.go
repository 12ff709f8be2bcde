package review

import (
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/sbs-integration-engine/internal/domain"
)

const itemColumns = "id, facility_id, local_code, description, description_key, suggested_code, " +
	"confidence, source, status, resolved_code, reviewer, notes, created_at, updated_at"

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanItem scans a row into a ReviewItem.
func scanItem(s scanner) (*domain.ReviewItem, error) {
	item := &domain.ReviewItem{}
	var source, status string

	err := s.Scan(
		&item.ID, &item.FacilityID, &item.LocalCode, &item.Description, &item.DescriptionKey,
		&item.SuggestedCode, &item.Confidence, &source, &status,
		&item.ResolvedCode, &item.Reviewer, &item.Notes, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Source = domain.MappingSource(source)
	item.Status = domain.ReviewStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

// listQuery builds the filtered listing for either placeholder style.
func listQuery(filter ListFilter, format sq.PlaceholderFormat) (string, []interface{}, error) {
	q := sq.Select(itemColumns).
		From("review_items").
		OrderBy("created_at", "id").
		PlaceholderFormat(format)

	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.FacilityID != "" {
		q = q.Where(sq.Eq{"facility_id": filter.FacilityID})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q.ToSql()
}

// countQuery counts items, optionally by status.
func countQuery(status domain.ReviewStatus, format sq.PlaceholderFormat) (string, []interface{}, error) {
	q := sq.Select("COUNT(*)").From("review_items").PlaceholderFormat(format)
	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	return q.ToSql()
}

func scanLearned(rows *sql.Rows) ([]LearnedMapping, error) {
	defer rows.Close()
	var out []LearnedMapping
	for rows.Next() {
		var m LearnedMapping
		var itemID sql.NullInt64
		if err := rows.Scan(&m.DescriptionKey, &m.StandardCode, &itemID, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.ReviewItemID = itemID.Int64
		m.UpdatedAt = m.UpdatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func newExport(items []*domain.ReviewItem, learned []LearnedMapping) *Export {
	return &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(items),
		Items:      items,
		Learned:    learned,
	}
}
