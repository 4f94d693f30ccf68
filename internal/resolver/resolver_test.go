package resolver

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"

	"github.com/lychee-technology/feedsync"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(t *testing.T, batchSize int, modifiedAt string) *feedsync.FeedMetadata {
	t.Helper()
	meta, err := feedsync.NewFeedMetadata(feedsync.FeedMetadataOptions{
		FeedName:     "products",
		SourceTable:  "catalog_product_entity",
		SourceKey:    "entity_id",
		FeedTable:    "catalog_product_feed",
		FeedKey:      "source_entity_id",
		FeedIdentity: "feed_id",
		BatchSize:    batchSize,
		ModifiedAt:   modifiedAt,
	})
	require.NoError(t, err)
	return meta
}

func idRows(ids ...int64) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"entity_id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

const tablePage = `SELECT "entity_id" FROM "catalog_product_entity" WHERE "entity_id" > $1 ORDER BY "entity_id" LIMIT $2`

func TestTableProviderAllIDsPaginates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WithArgs(int64(math.MinInt64), 2).
		WillReturnRows(idRows(1, 2))
	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WithArgs(int64(2), 2).
		WillReturnRows(idRows(5, 8))
	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WithArgs(int64(8), 2).
		WillReturnRows(idRows(9))

	p := NewTableProvider(mock)
	var pages [][]int64
	for page, err := range p.AllIDs(context.Background(), testMeta(t, 2, "")) {
		require.NoError(t, err)
		pages = append(pages, page)
	}
	assert.Equal(t, [][]int64{{1, 2}, {5, 8}, {9}}, pages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableProviderAllIDsStopsWhenConsumerBreaks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WithArgs(int64(math.MinInt64), 2).
		WillReturnRows(idRows(1, 2))

	p := NewTableProvider(mock)
	count := 0
	for range p.AllIDs(context.Background(), testMeta(t, 2, "")) {
		count++
		break
	}
	assert.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableProviderAllIDsAfterSeeks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WithArgs(int64(40), 10).
		WillReturnRows(idRows(41, 42))

	p := NewTableProvider(mock)
	var all []int64
	for page, err := range p.AllIDsAfter(context.Background(), testMeta(t, 10, ""), 40) {
		require.NoError(t, err)
		all = append(all, page...)
	}
	assert.Equal(t, []int64{41, 42}, all)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableProviderAllIDsYieldsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("^" + regexp.QuoteMeta(tablePage) + "$").
		WillReturnError(errors.New("relation does not exist"))

	p := NewTableProvider(mock)
	var errs []error
	for page, err := range p.AllIDs(context.Background(), testMeta(t, 10, "")) {
		assert.Nil(t, page)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var feedErr *feedsync.FeedError
	require.True(t, errors.As(errs[0], &feedErr))
	assert.Equal(t, feedsync.ErrCodeStorageFailed, feedErr.Code)
}

func TestTableProviderAffectedIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := `SELECT "entity_id" FROM "catalog_product_entity" WHERE "entity_id" = ANY($1) ORDER BY "entity_id"`
	mock.ExpectQuery("^" + regexp.QuoteMeta(q) + "$").
		WithArgs([]int64{9, 3, 4}).
		WillReturnRows(idRows(3, 9))

	p := NewTableProvider(mock)
	assert.True(t, p.Supports(ModeIncremental))
	got, err := p.AffectedIDs(context.Background(), testMeta(t, 10, ""), []int64{9, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, got)

	empty, err := p.AffectedIDs(context.Background(), testMeta(t, 10, ""), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDateRangeProvider(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := `SELECT "entity_id" FROM "catalog_product_entity" WHERE "entity_id" > $1 AND "updated_at" >= $3::timestamptz AND "updated_at" < $4::timestamptz ORDER BY "entity_id" LIMIT $2`
	mock.ExpectQuery("^"+regexp.QuoteMeta(q)+"$").
		WithArgs(int64(math.MinInt64), 5, "2024-01-01", "2024-02-01").
		WillReturnRows(idRows(7))

	p := NewDateRangeProvider(mock, "2024-01-01", "2024-02-01")
	assert.True(t, p.Supports(ModeFull))
	assert.False(t, p.Supports(ModeIncremental))

	meta := testMeta(t, 5, "updated_at")
	var all []int64
	for page, err := range p.AllIDs(context.Background(), meta) {
		require.NoError(t, err)
		all = append(all, page...)
	}
	assert.Equal(t, []int64{7}, all)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = p.AffectedIDs(context.Background(), meta, []int64{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, feedsync.ErrResolutionNotSupported))
}

func TestDateRangeProviderRequiresModifiedColumn(t *testing.T) {
	p := NewDateRangeProvider(nil, "2024-01-01", "2024-02-01")
	var errs []error
	for _, err := range p.AllIDs(context.Background(), testMeta(t, 5, "")) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "modifiedAt")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	p := NewTableProvider(nil)
	reg.Register("products", p)

	got, err := reg.Get("products")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = reg.Get("orders")
	require.Error(t, err)
	assert.True(t, errors.Is(err, feedsync.ErrProviderNotRegistered))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "full", ModeFull.String())
	assert.Equal(t, "incremental", ModeIncremental.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}
