package feedstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productMeta(t *testing.T) *feedsync.FeedMetadata {
	t.Helper()
	meta, err := feedsync.NewFeedMetadata(feedsync.FeedMetadataOptions{
		FeedName:     "products",
		SourceTable:  "catalog_product_entity",
		SourceKey:    "entity_id",
		FeedTable:    "catalog_product_feed",
		FeedKey:      "source_entity_id",
		FeedIdentity: "feed_id",
	})
	require.NoError(t, err)
	return meta
}

func exact(q string) string {
	return "^" + regexp.QuoteMeta(q) + "$"
}

func TestUpsertSendsColumnArrays(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	store := New(mock).WithClock(func() time.Time { return fixed })
	meta := productMeta(t)

	mock.ExpectExec(exact(UpsertQuery(meta))).
		WithArgs(
			[]string{"1/default", "2"},
			[]int64{1, 2},
			[]string{"default", ""},
			[]string{`{"sku":"a"}`, `{"sku":"b"}`},
			[]string{"h1", "h2"},
			fixed,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := store.Upsert(context.Background(), meta, []feedsync.PendingUpdate{
		{FeedID: "1/default", SourceEntityID: 1, ScopeCode: "default", FeedData: json.RawMessage(`{"sku":"a"}`), FeedHash: "h1"},
		{FeedID: "2", SourceEntityID: 2, FeedData: json.RawMessage(`{"sku":"b"}`), FeedHash: "h2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQueryOnlyTouchesChangedOrDeletedRows(t *testing.T) {
	q := UpsertQuery(productMeta(t))
	assert.Contains(t, q, `INSERT INTO "catalog_product_feed" AS f ("feed_id", "source_entity_id"`)
	assert.Contains(t, q, `ON CONFLICT ("feed_id") DO UPDATE SET`)
	assert.Contains(t, q, `modified_at = GREATEST(f.modified_at, EXCLUDED.modified_at)`)
	assert.Contains(t, q, `WHERE f.feed_hash IS DISTINCT FROM EXCLUDED.feed_hash OR f.is_deleted`)
}

func TestUpsertEmptyBatchIsNoop(t *testing.T) {
	store := New(nil)
	n, err := store.Upsert(context.Background(), productMeta(t), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertWrapsStorageError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	meta := productMeta(t)
	mock.ExpectExec(exact(UpsertQuery(meta))).WillReturnError(errors.New("deadlock detected"))

	_, err = New(mock).Upsert(context.Background(), meta, []feedsync.PendingUpdate{{FeedID: "1", SourceEntityID: 1, FeedData: json.RawMessage(`{}`)}})
	var feedErr *feedsync.FeedError
	require.True(t, errors.As(err, &feedErr))
	assert.Equal(t, feedsync.ErrCodeStorageFailed, feedErr.Code)
	assert.Equal(t, "products", feedErr.Feed)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestMarkStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	store := New(mock).WithClock(func() time.Time { return fixed })
	meta := productMeta(t)

	mock.ExpectExec(exact(StatusQuery(meta))).
		WithArgs([]string{"1", "2"}, int32(200), "", true, fixed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(exact(StatusQuery(meta))).
		WithArgs([]string{"3"}, int32(0), "marshal failed", false, fixed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := store.MarkStatus(context.Background(), meta, []string{"1", "2"}, feedsync.ExportStatus{Code: feedsync.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.MarkStatus(context.Background(), meta, []string{"3"}, feedsync.ExportStatus{Code: feedsync.StatusApplicationError, Reason: "marshal failed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.MarkStatus(context.Background(), meta, nil, feedsync.ExportStatus{Code: feedsync.StatusSuccess})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	meta := productMeta(t)
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"feed_id", "source_entity_id", "scope_code", "feed_data", "feed_hash", "modified_at", "is_deleted", "status", "errors", "sent_at"}
	mock.ExpectQuery(exact(RetryableQuery(meta))).
		WithArgs([]int32{200, 400, -1}, time.Time{}, "", 50).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("7", int64(7), "", `{"sku":"x"}`, "h7", modified, false, int32(503), "unavailable", modified))

	rows, err := New(mock).Retryable(context.Background(), meta, Cursor{}, 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0].FeedID)
	assert.Equal(t, int64(7), rows[0].SourceEntityID)
	assert.Equal(t, feedsync.ExportStatusCode(503), rows[0].Status)
	assert.JSONEq(t, `{"sku":"x"}`, string(rows[0].FeedData))
	assert.Equal(t, "unavailable", rows[0].Errors)
	assert.Equal(t, Cursor{ModifiedAt: modified, FeedID: "7"}, After(rows[0]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndListByEntity(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	meta := productMeta(t)
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"feed_id", "source_entity_id", "scope_code", "feed_data", "feed_hash", "modified_at", "is_deleted", "status", "errors", "sent_at"}
	store := New(mock)

	getQuery := `SELECT ` + selectColumns(meta) + ` FROM "catalog_product_feed" WHERE "feed_id" = $1`
	mock.ExpectQuery(exact(getQuery)).WithArgs("7/1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("7/1", int64(7), "1", `{"sku":"x"}`, "h7", modified, false, int32(0), "", nil))
	mock.ExpectQuery(exact(getQuery)).WithArgs("8/1").WillReturnRows(pgxmock.NewRows(cols))

	row, err := store.Get(context.Background(), meta, "7/1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "1", row.ScopeCode)
	assert.Nil(t, row.SentAt)

	missing, err := store.Get(context.Background(), meta, "8/1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	listQuery := `SELECT ` + selectColumns(meta) + ` FROM "catalog_product_feed" WHERE "source_entity_id" = $1 ORDER BY "feed_id"`
	mock.ExpectQuery(exact(listQuery)).WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("7/1", int64(7), "1", `{"sku":"x"}`, "h7", modified, false, int32(200), "", modified).
			AddRow("7/2", int64(7), "2", `{"sku":"x"}`, "h7", modified, true, int32(0), "", nil))

	rows, err := store.ListByEntity(context.Background(), meta, 7)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, feedsync.StatusSuccess, rows[0].Status)
	require.NotNil(t, rows[0].SentAt)
	assert.True(t, rows[1].IsDeleted)
	require.NoError(t, mock.ExpectationsWereMet())
}
