package review

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/database/dbtest"
	"github.com/sbs-integration-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

var itemRowColumns = []string{
	"id", "facility_id", "local_code", "description", "description_key", "suggested_code",
	"confidence", "source", "status", "resolved_code", "reviewer", "notes", "created_at", "updated_at",
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_EnqueueMock(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	item := lowConfidenceItem("LAB-X", "Full Blood Count", "SBS-LAB-001")
	mock.ExpectQuery("INSERT INTO review_items").
		WithArgs("FAC-001", "LAB-X", "Full Blood Count", domain.DescriptionKey("full blood count"),
			"SBS-LAB-001", 0.62, "fallback", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(7), "approved", created, created))

	require.NoError(t, store.Enqueue(context.Background(), item))
	assert.Equal(t, int64(7), item.ID)
	assert.Equal(t, domain.ReviewApproved, item.Status)
	assert.Equal(t, created, item.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveMock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	key := domain.DescriptionKey("full blood count")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM review_items WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(itemRowColumns).AddRow(
			int64(7), "FAC-001", "LAB-X", "full blood count", key, "SBS-LAB-001",
			0.62, "fallback", "pending", "", "", "", now, now))
	mock.ExpectExec("UPDATE review_items").
		WithArgs(int64(7), "corrected", "SBS-LAB-009", "coder1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO learned_mappings").
		WithArgs(key, "SBS-LAB-009", int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	item, err := store.Resolve(context.Background(), 7, Resolution{
		Status:   domain.ReviewCorrected,
		Code:     "SBS-LAB-009",
		Reviewer: "coder1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewCorrected, item.Status)
	assert.Equal(t, "SBS-LAB-009", item.ResolvedCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveInvalidRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM review_items").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(itemRowColumns).AddRow(
			int64(7), "FAC-001", "LAB-X", "urine culture", "k", "",
			0.4, "fallback", "pending", "", "", "", now, now))
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), 7, Resolution{Status: domain.ReviewApproved})
	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NotFoundMock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM review_items WHERE id = \\$1").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT standard_code FROM learned_mappings").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"standard_code"}))

	_, err := store.Get(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.LearnedMapping(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .+ FROM review_items WHERE status = \\$1 AND facility_id = \\$2 ORDER BY created_at, id LIMIT 5").
		WithArgs("pending", "FAC-001").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow(int64(1), "FAC-001", "A", "a", "ka", "SBS-A", 0.5, "fallback", "pending", "", "", "", now, now).
			AddRow(int64(2), "FAC-001", "B", "b", "kb", "", 0.3, "fallback", "pending", "", "", "", now, now))

	items, err := store.List(context.Background(), ListFilter{Status: domain.ReviewPending, FacilityID: "FAC-001", Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "B", items[1].LocalCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Integration(t *testing.T) {
	pg := dbtest.Start(t)
	ctx := context.Background()

	store, err := NewPostgresStoreFromURL(pg.URL())
	require.NoError(t, err)
	defer store.Close()

	item := lowConfidenceItem("LAB-X", "full blood count", "SBS-LAB-001")
	require.NoError(t, store.Enqueue(ctx, item))
	assert.NotZero(t, item.ID)

	refreshed := lowConfidenceItem("LAB-X", "Full Blood Count", "SBS-LAB-002")
	require.NoError(t, store.Enqueue(ctx, refreshed))
	assert.Equal(t, item.ID, refreshed.ID)

	resolved, err := store.Resolve(ctx, item.ID, Resolution{Status: domain.ReviewApproved, Reviewer: "coder1"})
	require.NoError(t, err)
	assert.Equal(t, "SBS-LAB-002", resolved.ResolvedCode)

	again := lowConfidenceItem("LAB-X", "full blood count", "SBS-LAB-003")
	require.NoError(t, store.Enqueue(ctx, again))
	assert.Equal(t, domain.ReviewApproved, again.Status)

	learned, err := store.LearnedMapping(ctx, item.DescriptionKey)
	require.NoError(t, err)
	assert.Equal(t, "SBS-LAB-002", learned.StandardCode)

	count, err := store.Count(ctx, domain.ReviewApproved)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = store.Resolve(ctx, item.ID, Resolution{Status: domain.ReviewRejected})
	require.NoError(t, err)
	_, err = store.LearnedMapping(ctx, item.DescriptionKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
