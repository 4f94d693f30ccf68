package lock

import (
	"context"
	"errors"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
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

type memProvider struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newMemProvider() *memProvider {
	return &memProvider{held: make(map[string]bool)}
}

func (p *memProvider) TryAcquire(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	if p.held[name] {
		return false, nil
	}
	p.held[name] = true
	return true, nil
}

func (p *memProvider) Release(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held[name] {
		return false, nil
	}
	delete(p.held, name)
	return true, nil
}

func (p *memProvider) Held(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[name], p.err
}

type memAnnotations struct {
	mu      sync.Mutex
	holders map[string]string
	err     error
}

func newMemAnnotations() *memAnnotations {
	return &memAnnotations{holders: make(map[string]string)}
}

func (a *memAnnotations) Annotate(_ context.Context, name, holder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.holders[name] = holder
	return nil
}

func (a *memAnnotations) Holder(_ context.Context, name string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.holders[name]
	return h, ok, nil
}

func (a *memAnnotations) Clear(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.holders, name)
	return nil
}

func newTestManager(p Provider, a AnnotationStore) *Manager {
	m := NewManager(p, a, nil)
	m.hostname = func() (string, error) { return "worker-1", nil }
	m.pid = func() int { return 4242 }
	return m
}

func TestLockAnnotatesHolder(t *testing.T) {
	ctx := context.Background()
	annotations := newMemAnnotations()
	m := newTestManager(newMemProvider(), annotations)

	res, err := m.Lock(ctx, "products", "cron")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.NoError(t, res.AnnotationErr)

	holder, ok, err := m.LockedBy(ctx, "products")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cron (host worker-1, pid 4242)", holder)
	assert.Equal(t, holder, annotations.holders["feed_sync_products"])

	locked, err := m.IsLocked(ctx, "products")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLockIsNonBlockingWhenHeld(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemProvider(), newMemAnnotations())

	first, err := m.Lock(ctx, "products", "a")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	second, err := m.Lock(ctx, "products", "b")
	require.NoError(t, err)
	assert.False(t, second.Acquired)

	other, err := m.Lock(ctx, "categories", "b")
	require.NoError(t, err)
	assert.True(t, other.Acquired, "locks are per feed")
}

func TestAnnotationFailureDoesNotFailLock(t *testing.T) {
	annotations := newMemAnnotations()
	annotations.err = errors.New("read-only transaction")
	m := newTestManager(newMemProvider(), annotations)

	res, err := m.Lock(context.Background(), "products", "cron")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.EqualError(t, res.AnnotationErr, "read-only transaction")
}

func TestUnlockReleasesAndClearsHolder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemProvider(), newMemAnnotations())

	_, err := m.Lock(ctx, "products", "cron")
	require.NoError(t, err)

	released, err := m.Unlock(ctx, "products")
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err := m.LockedBy(ctx, "products")
	require.NoError(t, err)
	assert.False(t, ok)

	released, err = m.Unlock(ctx, "products")
	require.NoError(t, err)
	assert.False(t, released, "unlocking a free lock reports false")
}

func TestLockProviderErrorIsTyped(t *testing.T) {
	p := newMemProvider()
	p.err = errors.New("connection refused")
	m := newTestManager(p, nil)

	_, err := m.Lock(context.Background(), "products", "cron")
	var feedErr *feedsync.FeedError
	require.ErrorAs(t, err, &feedErr)
	assert.Equal(t, feedsync.ErrCodeLockFailed, feedErr.Code)
	assert.Equal(t, "products", feedErr.Feed)
}

func TestLockMutualExclusionUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newMemProvider(), newMemAnnotations())

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res, err := m.Lock(ctx, "products", "worker")
				if err != nil || !res.Acquired {
					continue
				}
				n := inside.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				runs.Add(1)
				time.Sleep(10 * time.Microsecond)
				inside.Add(-1)
				_, _ = m.Unlock(ctx, "products")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Positive(t, runs.Load())
}

func exact(q string) string {
	return "^" + regexp.QuoteMeta(q) + "$"
}

func TestPostgresAnnotationStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresAnnotationStore(mock, "feedsync_lock_holder")
	store.withClock(func() time.Time { return fixed })

	mock.ExpectExec(exact(`INSERT INTO "feedsync_lock_holder" (lock_name, locked_by, locked_at) VALUES ($1, $2, $3)
ON CONFLICT (lock_name) DO UPDATE SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at`)).
		WithArgs("feed_sync_products", "cron (host a, pid 1)", fixed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(exact(`SELECT locked_by FROM "feedsync_lock_holder" WHERE lock_name = $1`)).
		WithArgs("feed_sync_products").
		WillReturnRows(pgxmock.NewRows([]string{"locked_by"}).AddRow("cron (host a, pid 1)"))
	mock.ExpectExec(exact(`DELETE FROM "feedsync_lock_holder" WHERE lock_name = $1`)).
		WithArgs("feed_sync_products").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(exact(`SELECT locked_by FROM "feedsync_lock_holder" WHERE lock_name = $1`)).
		WithArgs("feed_sync_products").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, store.Annotate(ctx, "feed_sync_products", "cron (host a, pid 1)"))
	holder, ok, err := store.Holder(ctx, "feed_sync_products")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cron (host a, pid 1)", holder)
	require.NoError(t, store.Clear(ctx, "feed_sync_products"))
	_, ok, err = store.Holder(ctx, "feed_sync_products")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
