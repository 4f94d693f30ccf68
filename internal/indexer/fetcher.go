package indexer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// SourceFetcher reads the current state of source entities.
// Scoped feeds return one row per (entity, scope membership).
type SourceFetcher interface {
	Fetch(ctx context.Context, meta *feedsync.FeedMetadata, ids []int64) ([]feedsync.SourceRow, error)
}

const scopeAlias = "feedsync_scope"

// SQLSourceFetcher selects whole source rows, joined to the scope table when the feed is scoped.
type SQLSourceFetcher struct {
	pool sqlutil.Pool
}

func NewSQLSourceFetcher(pool sqlutil.Pool) *SQLSourceFetcher {
	return &SQLSourceFetcher{pool: pool}
}

// FetchQuery renders the source query of a feed.
func FetchQuery(meta *feedsync.FeedMetadata) string {
	key := sqlutil.SanitizeIdentifier(meta.SourceKey())
	source := sqlutil.SanitizeIdentifier(meta.SourceTable())
	if !meta.IsScoped() {
		return fmt.Sprintf(`SELECT s.* FROM %s s WHERE s.%s = ANY($1) ORDER BY s.%s`, source, key, key)
	}
	scopeField := sqlutil.SanitizeIdentifier(meta.ScopeField())
	scopeCode := sqlutil.SanitizeIdentifier(meta.ScopeCode())
	return fmt.Sprintf(`SELECT sc.%[4]s::text AS %[6]s, s.* FROM %[1]s s JOIN %[3]s sc ON sc.%[5]s = s.%[2]s WHERE s.%[2]s = ANY($1) ORDER BY s.%[2]s, sc.%[4]s`,
		source, key, sqlutil.SanitizeIdentifier(meta.ScopeTable()), scopeCode, scopeField, scopeAlias)
}

func (f *SQLSourceFetcher) Fetch(ctx context.Context, meta *feedsync.FeedMetadata, ids []int64) ([]feedsync.SourceRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := f.pool.Query(ctx, FetchQuery(meta), ids)
	if err != nil {
		return nil, feedsync.NewStorageError("fetch source rows", err).WithFeed(meta.FeedName())
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, feedsync.NewStorageError("scan source rows", err).WithFeed(meta.FeedName())
	}

	out := make([]feedsync.SourceRow, 0, len(records))
	for _, rec := range records {
		id, ok := toInt64(rec[meta.SourceKey()])
		if !ok {
			return nil, feedsync.NewMetadataError(meta.FeedName(),
				fmt.Sprintf("source key %s is not an integer column", meta.SourceKey()))
		}
		row := feedsync.SourceRow{EntityID: id, Fields: rec}
		if meta.IsScoped() {
			if scope, ok := rec[scopeAlias].(string); ok {
				row.Scope = scope
			}
			delete(rec, scopeAlias)
		}
		out = append(out, row)
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
