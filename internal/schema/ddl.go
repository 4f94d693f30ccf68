package schema

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// Statement is one named DDL statement.
type Statement struct {
	Name string
	SQL  string
}

// Execer runs DDL; pgx pools, connections and transactions satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EngineStatements creates the tables owned by the engine.
func EngineStatements(tables feedsync.TableNames) []Statement {
	return []Statement{
		{Name: tables.Identity, SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  entity_id BIGINT NOT NULL,
  type      TEXT   NOT NULL,
  uuid      UUID   NOT NULL UNIQUE,
  PRIMARY KEY (entity_id, type)
)`, sqlutil.SanitizeIdentifier(tables.Identity))},
		{Name: tables.LockHolder, SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  lock_name TEXT        PRIMARY KEY,
  locked_by TEXT        NOT NULL,
  locked_at TIMESTAMPTZ NOT NULL
)`, sqlutil.SanitizeIdentifier(tables.LockHolder))},
		{Name: tables.Checkpoint, SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  feed_name  TEXT   NOT NULL,
  kind       TEXT   NOT NULL,
  position   BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (feed_name, kind)
)`, sqlutil.SanitizeIdentifier(tables.Checkpoint))},
		{Name: tables.Changelog, SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  feed_name    TEXT   NOT NULL,
  entity_id    BIGINT NOT NULL,
  processed_at BIGINT NOT NULL DEFAULT 0,
  changed_at   BIGINT NOT NULL,
  PRIMARY KEY (feed_name, entity_id, processed_at)
)`, sqlutil.SanitizeIdentifier(tables.Changelog))},
	}
}

// FeedStatements creates the feed table of one feed and its indexes.
func FeedStatements(meta *feedsync.FeedMetadata) []Statement {
	table := sqlutil.SanitizeIdentifier(meta.FeedTable())
	id := sqlutil.SanitizeIdentifier(meta.FeedIdentity())
	key := sqlutil.SanitizeIdentifier(meta.FeedKey())
	base := meta.FeedTable()
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	index := func(suffix string) string {
		return sqlutil.SanitizeIdentifier("idx_" + base + "_" + suffix)
	}
	return []Statement{
		{Name: meta.FeedTable(), SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  %s TEXT PRIMARY KEY,
  %s BIGINT NOT NULL,
  scope_code  TEXT,
  feed_data   JSONB       NOT NULL,
  feed_hash   TEXT,
  modified_at TIMESTAMPTZ NOT NULL,
  is_deleted  BOOLEAN     NOT NULL DEFAULT FALSE,
  status      INTEGER     NOT NULL DEFAULT 0,
  errors      TEXT,
  sent_at     TIMESTAMPTZ
)`, table, id, key)},
		{Name: meta.FeedTable() + " key index", SQL: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			index("key"), table, key)},
		{Name: meta.FeedTable() + " modified index", SQL: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (modified_at, %s)`,
			index("modified"), table, id)},
		{Name: meta.FeedTable() + " status index", SQL: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status) WHERE status NOT IN (%s)`,
			index("pending"), table, finalStatuses())},
	}
}

func finalStatuses() string {
	codes := make([]string, len(feedsync.FinalStatusCodes))
	for i, c := range feedsync.FinalStatusCodes {
		codes[i] = strconv.Itoa(int(c))
	}
	return strings.Join(codes, ", ")
}

// Statements returns the engine tables followed by the tables of every feed.
func Statements(tables feedsync.TableNames, metas []*feedsync.FeedMetadata) []Statement {
	stmts := EngineStatements(tables)
	for _, meta := range metas {
		stmts = append(stmts, FeedStatements(meta)...)
	}
	return stmts
}

// Apply executes the statements in order.
func Apply(ctx context.Context, db Execer, stmts []Statement) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt.SQL); err != nil {
			return fmt.Errorf("ensure %s: %w", stmt.Name, err)
		}
	}
	return nil
}
