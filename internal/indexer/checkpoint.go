package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// Checkpoint kinds.
const (
	CheckpointFullReindex    = "full_reindex"
	CheckpointSnapshotExport = "snapshot_export"
)

// CheckpointStore persists per-feed progress markers.
type CheckpointStore struct {
	pool    sqlutil.Pool
	table   string
	nowFunc func() time.Time
}

func NewCheckpointStore(pool sqlutil.Pool, table string) *CheckpointStore {
	return &CheckpointStore{pool: pool, table: table, nowFunc: time.Now}
}

func (s *CheckpointStore) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.nowFunc = now
}

func (s *CheckpointStore) nowMillis() int64 {
	if s.nowFunc == nil {
		return time.Now().UnixMilli()
	}
	return s.nowFunc().UnixMilli()
}

// Get returns the stored position, and false when none is stored.
func (s *CheckpointStore) Get(ctx context.Context, feed, kind string) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT position FROM %s WHERE feed_name = $1 AND kind = $2`, sqlutil.SanitizeIdentifier(s.table))
	var pos int64
	err := s.pool.QueryRow(ctx, query, feed, kind).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, feedsync.NewStorageError("read checkpoint", err).WithFeed(feed)
	}
	return pos, true, nil
}

// Save stores a position.
func (s *CheckpointStore) Save(ctx context.Context, feed, kind string, position int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (feed_name, kind, position, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (feed_name, kind) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		sqlutil.SanitizeIdentifier(s.table))
	if _, err := s.pool.Exec(ctx, query, feed, kind, position, s.nowMillis()); err != nil {
		return feedsync.NewStorageError("save checkpoint", err).WithFeed(feed)
	}
	return nil
}

// Clear removes a position.
func (s *CheckpointStore) Clear(ctx context.Context, feed, kind string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE feed_name = $1 AND kind = $2`, sqlutil.SanitizeIdentifier(s.table))
	if _, err := s.pool.Exec(ctx, query, feed, kind); err != nil {
		return feedsync.NewStorageError("clear checkpoint", err).WithFeed(feed)
	}
	return nil
}
