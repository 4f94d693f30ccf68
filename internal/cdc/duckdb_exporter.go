package cdc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"go.uber.org/zap"
)

// DuckExporter runs COPY statements that read feed rows through postgres_scan and write parquet to S3.
type DuckExporter struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewDuckExporter opens DuckDB and configures pragmas, extensions and S3 access.
func NewDuckExporter(ctx context.Context, cfg feedsync.SnapshotConfig, s3AccessKey, s3Secret string, logger *zap.Logger) (*DuckExporter, error) {
	if logger == nil {
		logger = zap.L()
	}
	db, err := sql.Open("duckdb", cfg.DuckDBPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, stmt := range setupStatements(cfg, s3AccessKey, s3Secret) {
		if _, err := db.ExecContext(setupCtx, stmt); err != nil {
			logger.Sugar().Warnw("duckdb setup statement failed", "stmt", redact(stmt), "err", err)
		}
	}
	return &DuckExporter{DB: db, Logger: logger}, nil
}

func setupStatements(cfg feedsync.SnapshotConfig, s3AccessKey, s3Secret string) []string {
	var stmts []string
	if cfg.DuckDBMemoryMB > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA memory_limit='%dMB';", cfg.DuckDBMemoryMB))
	}
	if cfg.DuckDBThreads > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA threads=%d;", cfg.DuckDBThreads))
	}
	for _, ext := range []string{"httpfs", "parquet", "postgres_scanner"} {
		stmts = append(stmts, "INSTALL "+ext+";", "LOAD "+ext+";")
	}
	if s3AccessKey != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_access_key_id=%s;", sqlutil.QuoteLiteral(s3AccessKey)))
	}
	if s3Secret != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_secret_access_key=%s;", sqlutil.QuoteLiteral(s3Secret)))
	}
	if cfg.S3Region != "" {
		stmts = append(stmts, fmt.Sprintf("SET s3_region=%s;", sqlutil.QuoteLiteral(cfg.S3Region)))
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		useSSL := !strings.HasPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		stmts = append(stmts,
			fmt.Sprintf("SET s3_endpoint=%s;", sqlutil.QuoteLiteral(endpoint)),
			fmt.Sprintf("SET s3_use_ssl=%t;", useSSL),
			"SET s3_url_style='path';",
		)
	}
	return stmts
}

func redact(stmt string) string {
	if strings.Contains(stmt, "s3_secret_access_key") || strings.Contains(stmt, "s3_access_key_id") {
		return stmt[:strings.Index(stmt, "=")+1] + "'***'"
	}
	return stmt
}

// ExportQuery renders the COPY of the feed rows modified in (since, until] into a parquet file.
func ExportQuery(pgConnStr string, meta *feedsync.FeedMetadata, since, until time.Time, s3Path string) string {
	schema, table := "public", meta.FeedTable()
	if i := strings.LastIndex(table, "."); i > 0 {
		schema, table = table[:i], table[i+1:]
	}
	return fmt.Sprintf(`COPY (
SELECT
  f.%[4]s AS feed_id,
  f.%[5]s AS source_entity_id,
  f.scope_code,
  CAST(f.feed_data AS VARCHAR) AS feed_data,
  f.feed_hash,
  f.modified_at,
  f.is_deleted
FROM postgres_scan(%[1]s, %[2]s, %[3]s) f
WHERE f.modified_at > TIMESTAMPTZ %[6]s AND f.modified_at <= TIMESTAMPTZ %[7]s
ORDER BY f.modified_at, f.%[4]s
) TO %[8]s (FORMAT PARQUET, COMPRESSION 'ZSTD');`,
		sqlutil.QuoteLiteral(pgConnStr), sqlutil.QuoteLiteral(schema), sqlutil.QuoteLiteral(table),
		sqlutil.SanitizeIdentifier(meta.FeedIdentity()), sqlutil.SanitizeIdentifier(meta.FeedKey()),
		sqlutil.QuoteLiteral(since.UTC().Format(time.RFC3339Nano)), sqlutil.QuoteLiteral(until.UTC().Format(time.RFC3339Nano)),
		sqlutil.QuoteLiteral(s3Path))
}

// CopyToParquet executes an export statement.
func (e *DuckExporter) CopyToParquet(ctx context.Context, query string) error {
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	if _, err := e.DB.ExecContext(copyCtx, query); err != nil {
		return fmt.Errorf("duckdb copy exec: %w", err)
	}
	return nil
}

func (e *DuckExporter) Close() error {
	return e.DB.Close()
}
