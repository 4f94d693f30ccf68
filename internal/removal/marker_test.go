package removal

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	os.Exit(m.Run())
}

func feedMeta(t *testing.T, scoped, deleteOnRemove bool) *feedsync.FeedMetadata {
	t.Helper()
	opts := feedsync.FeedMetadataOptions{
		FeedName:       "products",
		SourceTable:    "catalog_product_entity",
		SourceKey:      "entity_id",
		FeedTable:      "catalog_product_feed",
		FeedKey:        "source_entity_id",
		FeedIdentity:   "feed_id",
		DeleteOnRemove: deleteOnRemove,
	}
	if scoped {
		opts.ScopeTable = "catalog_product_website"
		opts.ScopeField = "product_id"
		opts.ScopeCode = "website_id"
	}
	meta, err := feedsync.NewFeedMetadata(opts)
	require.NoError(t, err)
	return meta
}

func exact(q string) string {
	return "^" + regexp.QuoteMeta(q) + "$"
}

func TestQueryGolden(t *testing.T) {
	cases := []struct {
		name     string
		scoped   bool
		delete   bool
		filtered bool
	}{
		{name: "tombstone_filtered", filtered: true},
		{name: "tombstone_sweep"},
		{name: "scoped_tombstone_filtered", scoped: true, filtered: true},
		{name: "delete_filtered", delete: true, filtered: true},
		{name: "scoped_delete_sweep", scoped: true, delete: true},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g.Assert(t, tc.name, []byte(Query(feedMeta(t, tc.scoped, tc.delete), tc.filtered)))
		})
	}
}

func TestExecuteTombstonesMissingRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := feedMeta(t, true, false)
	marker := NewMarker(mock, nil).WithClock(func() time.Time { return fixed })

	mock.ExpectExec(exact(Query(meta, true))).
		WithArgs([]int64{4, 5}, fixed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := marker.Execute(context.Background(), []int64{4, 5}, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTombstoneNeverMovesModifiedAtBackwards(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// a host whose clock lags behind the last writer
	lagging := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	meta := feedMeta(t, false, false)
	mock.ExpectExec(`SET is_deleted = TRUE, modified_at = GREATEST\(f\.modified_at, \$2\), status = 0`).
		WithArgs([]int64{7}, lagging).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := NewMarker(mock, nil).WithClock(func() time.Time { return lagging }).
		Execute(context.Background(), []int64{7}, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDeletesWhenConfigured(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	meta := feedMeta(t, false, true)
	mock.ExpectExec(exact(Query(meta, true))).
		WithArgs([]int64{9}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	n, err := NewMarker(mock, nil).Execute(context.Background(), []int64{9}, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteEmptyIsNoop(t *testing.T) {
	n, err := NewMarker(nil, nil).Execute(context.Background(), nil, feedMeta(t, false, false))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepBindsOnlyTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := feedMeta(t, false, false)
	mock.ExpectExec(exact(Query(meta, false))).
		WithArgs(fixed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	n, err := NewMarker(mock, nil).WithClock(func() time.Time { return fixed }).Sweep(context.Background(), meta)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteWrapsStorageError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	meta := feedMeta(t, false, true)
	mock.ExpectExec(exact(Query(meta, true))).
		WithArgs([]int64{1}).
		WillReturnError(errors.New("relation does not exist"))

	_, err = NewMarker(mock, nil).Execute(context.Background(), []int64{1}, meta)
	var feedErr *feedsync.FeedError
	require.ErrorAs(t, err, &feedErr)
	assert.Equal(t, feedsync.ErrCodeStorageFailed, feedErr.Code)
	assert.Contains(t, err.Error(), "relation does not exist")
}
