package removal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"go.uber.org/zap"
)

// Marker finds feed rows whose entity left the source table, or left the scope of the row,
// and tombstones them. Feeds configured with delete-on-remove lose those rows instead.
type Marker struct {
	pool    sqlutil.Pool
	logger  *zap.Logger
	nowFunc func() time.Time
}

func NewMarker(pool sqlutil.Pool, logger *zap.Logger) *Marker {
	if logger == nil {
		logger = zap.L()
	}
	return &Marker{pool: pool, logger: logger, nowFunc: time.Now}
}

// WithClock overrides the clock used for modified_at.
func (m *Marker) WithClock(now func() time.Time) *Marker {
	if now != nil {
		m.nowFunc = now
	}
	return m
}

// Execute reconciles the feed rows of ids. Ids still present in the source keep their rows.
func (m *Marker) Execute(ctx context.Context, ids []int64, meta *feedsync.FeedMetadata) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return m.run(ctx, meta, Query(meta, true), ids)
}

// Sweep reconciles every row of the feed.
func (m *Marker) Sweep(ctx context.Context, meta *feedsync.FeedMetadata) (int64, error) {
	return m.run(ctx, meta, Query(meta, false))
}

func (m *Marker) run(ctx context.Context, meta *feedsync.FeedMetadata, query string, ids ...[]int64) (int64, error) {
	var args []any
	for _, list := range ids {
		args = append(args, list)
	}
	if !meta.DeleteOnRemove() {
		args = append(args, m.nowFunc().UTC())
	}

	tag, err := m.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, feedsync.NewStorageError("mark removed feed rows", err).WithFeed(meta.FeedName())
	}
	n := tag.RowsAffected()
	if n > 0 {
		metrics.RemovedRows.WithLabelValues(meta.FeedName(), action(meta)).Add(float64(n))
		m.logger.Sugar().Infow("feed rows removed", "feed", meta.FeedName(), "action", action(meta), "rows", n)
	}
	return n, nil
}

func action(meta *feedsync.FeedMetadata) string {
	if meta.DeleteOnRemove() {
		return "deleted"
	}
	return "tombstoned"
}

// Query renders the reconciliation statement. When filtered, $1 holds the entity ids.
// The tombstone form binds modified_at as the last parameter.
func Query(meta *feedsync.FeedMetadata, filtered bool) string {
	feed := sqlutil.SanitizeIdentifier(meta.FeedTable())
	feedID := sqlutil.SanitizeIdentifier(meta.FeedIdentity())
	feedKey := sqlutil.SanitizeIdentifier(meta.FeedKey())
	source := sqlutil.SanitizeIdentifier(meta.SourceTable())
	sourceKey := sqlutil.SanitizeIdentifier(meta.SourceKey())

	var b strings.Builder
	b.WriteString("WITH removed AS (\n")
	fmt.Fprintf(&b, "  SELECT f.%s AS feed_id FROM %s f\n", feedID, feed)
	fmt.Fprintf(&b, "  LEFT JOIN %s s ON s.%s = f.%s\n", source, sourceKey, feedKey)

	gone := fmt.Sprintf("s.%s IS NULL", sourceKey)
	if meta.IsScoped() {
		scopeField := sqlutil.SanitizeIdentifier(meta.ScopeField())
		scopeCode := sqlutil.SanitizeIdentifier(meta.ScopeCode())
		fmt.Fprintf(&b, "  LEFT JOIN %s sc ON sc.%s = f.%s AND sc.%s::text = f.scope_code\n",
			sqlutil.SanitizeIdentifier(meta.ScopeTable()), scopeField, feedKey, scopeCode)
		gone = fmt.Sprintf("(%s OR (f.scope_code IS NOT NULL AND sc.%s IS NULL))", gone, scopeField)
	}

	var where []string
	next := 1
	if filtered {
		where = append(where, fmt.Sprintf("f.%s = ANY($%d)", feedKey, next))
		next++
	}
	if !meta.DeleteOnRemove() {
		where = append(where, "f.is_deleted = FALSE")
	}
	where = append(where, gone)
	fmt.Fprintf(&b, "  WHERE %s\n", strings.Join(where, " AND "))
	b.WriteString(")\n")

	if meta.DeleteOnRemove() {
		fmt.Fprintf(&b, "DELETE FROM %s f USING removed r WHERE f.%s = r.feed_id", feed, feedID)
		return b.String()
	}
	fmt.Fprintf(&b, "UPDATE %s f SET is_deleted = TRUE, modified_at = GREATEST(f.modified_at, $%d), status = 0 FROM removed r WHERE f.%s = r.feed_id",
		feed, next, feedID)
	return b.String()
}
