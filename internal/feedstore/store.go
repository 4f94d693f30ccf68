package feedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// Store reads and writes the per-feed tables.
type Store struct {
	pool    sqlutil.Pool
	nowFunc func() time.Time
}

func New(pool sqlutil.Pool) *Store {
	return &Store{pool: pool, nowFunc: time.Now}
}

// WithClock replaces the clock used for modified_at and sent_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.nowFunc = now
	}
	return s
}

func (s *Store) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

// UpsertQuery renders the batch upsert of a feed. Unchanged payloads of live rows are left untouched.
func UpsertQuery(meta *feedsync.FeedMetadata) string {
	table := sqlutil.SanitizeIdentifier(meta.FeedTable())
	id := sqlutil.SanitizeIdentifier(meta.FeedIdentity())
	key := sqlutil.SanitizeIdentifier(meta.FeedKey())
	return fmt.Sprintf(`INSERT INTO %[1]s AS f (%[2]s, %[3]s, scope_code, feed_data, feed_hash, modified_at, is_deleted, status)
SELECT u.feed_id, u.source_entity_id, NULLIF(u.scope_code, ''), u.feed_data::jsonb, u.feed_hash, $6, FALSE, 0
FROM unnest($1::text[], $2::bigint[], $3::text[], $4::text[], $5::text[]) AS u(feed_id, source_entity_id, scope_code, feed_data, feed_hash)
ON CONFLICT (%[2]s) DO UPDATE SET
  %[3]s = EXCLUDED.%[3]s,
  scope_code = EXCLUDED.scope_code,
  feed_data = EXCLUDED.feed_data,
  feed_hash = EXCLUDED.feed_hash,
  modified_at = GREATEST(f.modified_at, EXCLUDED.modified_at),
  is_deleted = FALSE,
  status = 0,
  errors = NULL
WHERE f.feed_hash IS DISTINCT FROM EXCLUDED.feed_hash OR f.is_deleted`, table, id, key)
}

// Upsert writes a batch of pending updates in one statement and returns the number of rows
// inserted or changed.
func (s *Store) Upsert(ctx context.Context, meta *feedsync.FeedMetadata, updates []feedsync.PendingUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	var (
		ids    = make([]string, len(updates))
		keys   = make([]int64, len(updates))
		scopes = make([]string, len(updates))
		data   = make([]string, len(updates))
		hashes = make([]string, len(updates))
	)
	for i, u := range updates {
		ids[i] = u.FeedID
		keys[i] = u.SourceEntityID
		scopes[i] = u.ScopeCode
		data[i] = string(u.FeedData)
		hashes[i] = u.FeedHash
	}
	tag, err := s.pool.Exec(ctx, UpsertQuery(meta), ids, keys, scopes, data, hashes, s.now())
	if err != nil {
		return 0, feedsync.NewStorageError("upsert feed rows", err).WithFeed(meta.FeedName())
	}
	return tag.RowsAffected(), nil
}

func selectColumns(meta *feedsync.FeedMetadata) string {
	return fmt.Sprintf(`%s, %s, COALESCE(scope_code, ''), feed_data::text, COALESCE(feed_hash, ''), modified_at, is_deleted, status, COALESCE(errors, ''), sent_at`,
		sqlutil.SanitizeIdentifier(meta.FeedIdentity()), sqlutil.SanitizeIdentifier(meta.FeedKey()))
}

// Get returns one feed row, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, meta *feedsync.FeedMetadata, feedID string) (*feedsync.FeedRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
		selectColumns(meta), sqlutil.SanitizeIdentifier(meta.FeedTable()), sqlutil.SanitizeIdentifier(meta.FeedIdentity()))
	rows, err := s.pool.Query(ctx, query, feedID)
	if err != nil {
		return nil, feedsync.NewStorageError("get feed row", err).WithFeed(meta.FeedName())
	}
	list, err := collectFeedRows(rows)
	if err != nil {
		return nil, feedsync.NewStorageError("scan feed row", err).WithFeed(meta.FeedName())
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListByEntity returns the feed rows of one source entity across scopes.
func (s *Store) ListByEntity(ctx context.Context, meta *feedsync.FeedMetadata, entityID int64) ([]feedsync.FeedRow, error) {
	key := sqlutil.SanitizeIdentifier(meta.FeedKey())
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s`,
		selectColumns(meta), sqlutil.SanitizeIdentifier(meta.FeedTable()), key, sqlutil.SanitizeIdentifier(meta.FeedIdentity()))
	rows, err := s.pool.Query(ctx, query, entityID)
	if err != nil {
		return nil, feedsync.NewStorageError("list feed rows", err).WithFeed(meta.FeedName())
	}
	list, err := collectFeedRows(rows)
	if err != nil {
		return nil, feedsync.NewStorageError("scan feed rows", err).WithFeed(meta.FeedName())
	}
	return list, nil
}

// Cursor is a keyset position in (modified_at, feed id) order. The zero value starts at the beginning.
type Cursor struct {
	ModifiedAt time.Time
	FeedID     string
}

// After returns the cursor positioned on row.
func After(row feedsync.FeedRow) Cursor {
	return Cursor{ModifiedAt: row.ModifiedAt, FeedID: row.FeedID}
}

// RetryableQuery selects rows whose last export status is not final, oldest first, past a cursor.
func RetryableQuery(meta *feedsync.FeedMetadata) string {
	id := sqlutil.SanitizeIdentifier(meta.FeedIdentity())
	return fmt.Sprintf(`SELECT %s FROM %s WHERE status <> ALL($1::int[]) AND (modified_at, %s) > ($2, $3) ORDER BY modified_at, %s LIMIT $4`,
		selectColumns(meta), sqlutil.SanitizeIdentifier(meta.FeedTable()), id, id)
}

// Retryable returns up to limit rows after the cursor that still have to be submitted.
func (s *Store) Retryable(ctx context.Context, meta *feedsync.FeedMetadata, after Cursor, limit int) ([]feedsync.FeedRow, error) {
	final := make([]int32, len(feedsync.FinalStatusCodes))
	for i, c := range feedsync.FinalStatusCodes {
		final[i] = int32(c)
	}
	rows, err := s.pool.Query(ctx, RetryableQuery(meta), final, after.ModifiedAt, after.FeedID, limit)
	if err != nil {
		return nil, feedsync.NewStorageError("select retryable rows", err).WithFeed(meta.FeedName())
	}
	list, err := collectFeedRows(rows)
	if err != nil {
		return nil, feedsync.NewStorageError("scan retryable rows", err).WithFeed(meta.FeedName())
	}
	return list, nil
}

// StatusQuery renders the export status update of a set of rows.
func StatusQuery(meta *feedsync.FeedMetadata) string {
	return fmt.Sprintf(`UPDATE %s SET status = $2, errors = NULLIF($3, ''), sent_at = CASE WHEN $4 THEN $5::timestamptz ELSE sent_at END WHERE %s = ANY($1)`,
		sqlutil.SanitizeIdentifier(meta.FeedTable()), sqlutil.SanitizeIdentifier(meta.FeedIdentity()))
}

// MarkStatus records an export status on rows. sent_at is only stamped when the request reached the downstream.
func (s *Store) MarkStatus(ctx context.Context, meta *feedsync.FeedMetadata, feedIDs []string, status feedsync.ExportStatus) (int64, error) {
	if len(feedIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, StatusQuery(meta), feedIDs, int32(status.Code), status.Reason, status.IsSent(), s.now())
	if err != nil {
		return 0, feedsync.NewStorageError("update export status", err).WithFeed(meta.FeedName())
	}
	return tag.RowsAffected(), nil
}

func collectFeedRows(rows pgx.Rows) ([]feedsync.FeedRow, error) {
	defer rows.Close()
	out := make([]feedsync.FeedRow, 0)
	for rows.Next() {
		var (
			row    feedsync.FeedRow
			data   string
			status int32
			sentAt pgtype.Timestamptz
		)
		if err := rows.Scan(&row.FeedID, &row.SourceEntityID, &row.ScopeCode, &data, &row.FeedHash,
			&row.ModifiedAt, &row.IsDeleted, &status, &row.Errors, &sentAt); err != nil {
			return nil, err
		}
		row.FeedData = json.RawMessage(data)
		row.Status = feedsync.ExportStatusCode(status)
		if sentAt.Valid {
			t := sentAt.Time
			row.SentAt = &t
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
