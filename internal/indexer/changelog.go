package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// Changelog queues entity changes for feeds indexed on schedule.
// Pending entries have processed_at = 0.
type Changelog struct {
	pool    sqlutil.Pool
	table   string
	nowFunc func() time.Time
}

func NewChangelog(pool sqlutil.Pool, table string) *Changelog {
	return &Changelog{pool: pool, table: table, nowFunc: time.Now}
}

func (c *Changelog) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	c.nowFunc = now
}

func (c *Changelog) nowMillis() int64 {
	if c.nowFunc == nil {
		return time.Now().UnixMilli()
	}
	return c.nowFunc().UnixMilli()
}

// Enqueue records that ids changed. Re-enqueueing a pending id only moves its changed_at forward.
func (c *Changelog) Enqueue(ctx context.Context, feed string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	table := sqlutil.SanitizeIdentifier(c.table)
	query := fmt.Sprintf(`INSERT INTO %s AS c (feed_name, entity_id, processed_at, changed_at)
SELECT $1, u.entity_id, 0, $3 FROM unnest($2::bigint[]) AS u(entity_id)
ON CONFLICT (feed_name, entity_id, processed_at)
DO UPDATE SET changed_at = GREATEST(c.changed_at, EXCLUDED.changed_at)`, table)
	if _, err := c.pool.Exec(ctx, query, feed, ids, c.nowMillis()); err != nil {
		return feedsync.NewStorageError("insert change log", err).WithFeed(feed)
	}
	return nil
}

// Pending returns up to limit pending ids, oldest change first, and the snapshot
// (largest changed_at) to pass to MarkProcessed.
func (c *Changelog) Pending(ctx context.Context, feed string, limit int) ([]int64, int64, error) {
	query := fmt.Sprintf(`SELECT entity_id, changed_at FROM %s WHERE feed_name = $1 AND processed_at = 0 ORDER BY changed_at, entity_id LIMIT $2`,
		sqlutil.SanitizeIdentifier(c.table))
	rows, err := c.pool.Query(ctx, query, feed, limit)
	if err != nil {
		return nil, 0, feedsync.NewStorageError("select change log", err).WithFeed(feed)
	}
	defer rows.Close()
	var (
		ids      []int64
		snapshot int64
	)
	for rows.Next() {
		var id, changedAt int64
		if err := rows.Scan(&id, &changedAt); err != nil {
			return nil, 0, feedsync.NewStorageError("scan change log", err).WithFeed(feed)
		}
		ids = append(ids, id)
		snapshot = max(snapshot, changedAt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, feedsync.NewStorageError("iterate change log", err).WithFeed(feed)
	}
	return ids, snapshot, nil
}

// MarkProcessed closes the pending entries of ids that did not change after snapshot.
// processed_at is kept above every earlier processed entry of the same id, so closing an
// entry twice within one millisecond never collides on the primary key.
func (c *Changelog) MarkProcessed(ctx context.Context, feed string, ids []int64, snapshot int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	table := sqlutil.SanitizeIdentifier(c.table)
	query := fmt.Sprintf(`UPDATE %s AS c SET processed_at = GREATEST($4, (
  SELECT MAX(p.processed_at) + 1 FROM %s p WHERE p.feed_name = c.feed_name AND p.entity_id = c.entity_id))
WHERE c.feed_name = $1 AND c.entity_id = ANY($2) AND c.processed_at = 0 AND c.changed_at <= $3`, table, table)
	tag, err := c.pool.Exec(ctx, query, feed, ids, snapshot, c.nowMillis())
	if err != nil {
		return 0, feedsync.NewStorageError("mark change log processed", err).WithFeed(feed)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes processed entries older than the retention.
func (c *Changelog) Purge(ctx context.Context, feed string, retention time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE feed_name = $1 AND processed_at > 0 AND processed_at < $2`,
		sqlutil.SanitizeIdentifier(c.table))
	cutoff := c.nowMillis() - retention.Milliseconds()
	tag, err := c.pool.Exec(ctx, query, feed, cutoff)
	if err != nil {
		return 0, feedsync.NewStorageError("purge change log", err).WithFeed(feed)
	}
	return tag.RowsAffected(), nil
}
