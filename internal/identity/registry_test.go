package identity

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/feedsync"
	"github.com/pashagolub/pgxmock/v4"
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

// sequence returns a generator yielding the given uuids in order, then repeating the last one.
func sequence(values ...string) Generator {
	i := 0
	return func() (uuid.UUID, error) {
		v := values[min(i, len(values)-1)]
		i++
		return uuid.MustParse(v), nil
	}
}

const (
	uuidA = "aaaaaaaa-0000-4000-8000-000000000001"
	uuidB = "bbbbbbbb-0000-4000-8000-000000000002"
	uuidC = "cccccccc-0000-4000-8000-000000000003"
	uuidD = "dddddddd-0000-4000-8000-000000000004"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.MatchExpectationsInOrder(true)
	return mock
}

func exact(q string) string {
	return "^" + regexp.QuoteMeta(q) + "$"
}

func TestAssignBulkDedupesAndReusesExisting(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity", WithGenerator(sequence(uuidB)))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{4, 5}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(4), uuidA))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("product", []int64{5}, []string{uuidB}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(5), uuidB))

	got, err := reg.AssignBulk(ctx, []int64{4, 4, 5, 4, 5, 5}, "product")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, uuid.MustParse(uuidA), got[4])
	assert.Equal(t, uuid.MustParse(uuidB), got[5])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity", WithGenerator(sequence(uuidA, uuidB)))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{7}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("product", []int64{7}, []string{uuidA}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(7), uuidA))
	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{7}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(7), uuidA))

	first, err := reg.Assign(ctx, 7, "product")
	require.NoError(t, err)
	second, err := reg.Assign(ctx, 7, "product")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkRetriesWholeBatchOnUUIDViolation(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity", WithGenerator(sequence(uuidA, uuidB, uuidC, uuidD)))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("category", []int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("category", []int64{1, 2}, []string{uuidA, uuidB}).
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: "feedsync_identity_uuid_key",
			Detail:         "Key (uuid)=(" + uuidB + ") already exists.",
		})
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("category", []int64{1, 2}, []string{uuidC, uuidD}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).
			AddRow(int64(1), uuidC).
			AddRow(int64(2), uuidD))

	got, err := reg.AssignBulk(ctx, []int64{1, 2}, "category")
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(uuidC), got[1])
	assert.Equal(t, uuid.MustParse(uuidD), got[2])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkRereadsRowsWonByConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity", WithGenerator(sequence(uuidA, uuidB)))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("product", []int64{1, 2}, []string{uuidA, uuidB}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(1), uuidA))
	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{2}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(2), uuidC))

	got, err := reg.AssignBulk(ctx, []int64{1, 2}, "product")
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(uuidA), got[1])
	assert.Equal(t, uuid.MustParse(uuidC), got[2])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkFailsWhenGeneratorAlwaysCollides(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity", WithGenerator(sequence(uuidA)))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{10, 11}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}))

	got, err := reg.AssignBulk(ctx, []int64{10, 11}, "product")
	require.Error(t, err)
	assert.Empty(t, got)

	var saveErr *feedsync.IdentitySaveError
	require.True(t, errors.As(err, &saveErr))
	assert.Equal(t, "product", saveErr.Type)
	assert.Equal(t, []int64{10, 11}, saveErr.EntityIDs)
	assert.Equal(t, 10, saveErr.Attempts)
	assert.Len(t, saveErr.Duplicates, 10)
	assert.Contains(t, err.Error(), "product")
	assert.Contains(t, err.Error(), "10, 11")
	assert.Contains(t, err.Error(), uuidA)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkKeepsChunksCommittedBeforeFailure(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity",
		WithGenerator(sequence(uuidA, uuidB, uuidC)),
		WithInsertChunk(1),
		WithAttempts(1))

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("product", []int64{1}, []string{uuidA}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "uuid"}).AddRow(int64(1), uuidA))
	mock.ExpectQuery(exact(reg.insertQuery())).
		WithArgs("product", []int64{2}, []string{uuidB}).
		WillReturnError(&pgconn.PgError{Code: "23505", Detail: "Key (uuid)=(" + uuidB + ") already exists."})

	got, err := reg.AssignBulk(ctx, []int64{1, 2}, "product")
	var saveErr *feedsync.IdentitySaveError
	require.True(t, errors.As(err, &saveErr))
	assert.Equal(t, []int64{2}, saveErr.EntityIDs)
	assert.Equal(t, []string{uuidB}, saveErr.Duplicates)
	assert.Equal(t, uuid.MustParse(uuidA), got[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkSurfacesStorageErrors(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity")

	mock.ExpectQuery(exact(reg.lookupQuery())).
		WithArgs("product", []int64{1}).
		WillReturnError(errors.New("connection reset"))

	_, err := reg.AssignBulk(ctx, []int64{1}, "product")
	var feedErr *feedsync.FeedError
	require.True(t, errors.As(err, &feedErr))
	assert.Equal(t, feedsync.ErrCodeStorageFailed, feedErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignBulkEmptyInput(t *testing.T) {
	reg := NewRegistry(nil, "feedsync_identity")
	got, err := reg.AssignBulk(context.Background(), nil, "product")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIsAssigned(t *testing.T) {
	ctx := context.Background()
	mock := newMock(t)
	reg := NewRegistry(mock, "feedsync_identity")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM "feedsync_identity"`)).
		WithArgs(int64(3), "product").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := reg.IsAssigned(ctx, 3, "product")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUUIDViolation(t *testing.T) {
	dup, ok := uuidViolation(&pgconn.PgError{Code: "23505", Detail: "Key (uuid)=(" + uuidA + ") already exists."})
	assert.True(t, ok)
	assert.Equal(t, uuidA, dup)

	dup, ok = uuidViolation(&pgconn.PgError{Code: "23505", ConstraintName: "feedsync_identity_uuid_key"})
	assert.True(t, ok)
	assert.Equal(t, "feedsync_identity_uuid_key", dup)

	_, ok = uuidViolation(&pgconn.PgError{Code: "40001"})
	assert.False(t, ok)
	_, ok = uuidViolation(errors.New("boom"))
	assert.False(t, ok)
}
