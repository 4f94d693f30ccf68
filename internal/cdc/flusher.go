package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/indexer"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"go.uber.org/zap"
)

// Copier runs a parquet export statement.
type Copier interface {
	CopyToParquet(ctx context.Context, query string) error
}

// Checkpointer stores the snapshot watermark.
type Checkpointer interface {
	Get(ctx context.Context, feed, kind string) (int64, bool, error)
	Save(ctx context.Context, feed, kind string, position int64) error
}

// Manifest describes one published snapshot file.
type Manifest struct {
	Feed      string    `json:"feed"`
	Key       string    `json:"key"`
	Rows      int64     `json:"rows"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotResult is the outcome of one flush of a feed.
type SnapshotResult struct {
	Feed     string                `json:"feed"`
	Status   feedsync.ExportStatus `json:"status"`
	Manifest *Manifest             `json:"manifest,omitempty"`
}

// Flusher exports the feed rows modified since the last watermark as a parquet snapshot.
// Each feed is flushed under its feed lock; a busy feed is skipped.
type Flusher struct {
	Pool        sqlutil.Pool
	Locks       feedsync.LockManager
	Checkpoints Checkpointer
	Duck        Copier
	Objects     ObjectStore
	Config      feedsync.SnapshotConfig
	// PGConnString is the connection string DuckDB uses to scan Postgres.
	PGConnString string
	LockedBy     string
	DryRun       bool
	Logger       *zap.Logger

	nowFunc func() time.Time
	newID   func() string
}

func (f *Flusher) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.L()
	}
	return f.Logger
}

func (f *Flusher) now() time.Time {
	if f.nowFunc == nil {
		return time.Now().UTC()
	}
	return f.nowFunc().UTC()
}

func (f *Flusher) id() string {
	if f.newID == nil {
		return uuid.Must(uuid.NewV7()).String()
	}
	return f.newID()
}

// DeltaQuery counts the rows modified after the watermark and returns the newest modified_at,
// or the watermark itself when nothing changed.
func DeltaQuery(meta *feedsync.FeedMetadata) string {
	return fmt.Sprintf(`SELECT count(*), coalesce(max(modified_at), $1) FROM %s WHERE modified_at > $1`,
		sqlutil.SanitizeIdentifier(meta.FeedTable()))
}

func objectKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// RunOnce flushes every feed, logging and skipping failures.
func (f *Flusher) RunOnce(ctx context.Context, metas []*feedsync.FeedMetadata) []*SnapshotResult {
	results := make([]*SnapshotResult, 0, len(metas))
	for _, meta := range metas {
		res, err := f.Flush(ctx, meta)
		if err != nil {
			f.logger().Sugar().Errorw("snapshot flush failed", "feed", meta.FeedName(), "err", err)
			continue
		}
		results = append(results, res)
	}
	return results
}

// Flush exports one feed. An empty delta is reported as a skipped submission.
func (f *Flusher) Flush(ctx context.Context, meta *feedsync.FeedMetadata) (*SnapshotResult, error) {
	feed := meta.FeedName()
	log := f.logger().Sugar()

	lock, err := f.Locks.Lock(ctx, feed, f.LockedBy)
	if err != nil {
		return nil, err
	}
	if !lock.Acquired {
		log.Infow("lock not acquired, skipping snapshot", "feed", feed)
		return nil, feedsync.NewLockNotAcquiredError(feed, "")
	}
	defer func() {
		if _, err := f.Locks.Unlock(context.WithoutCancel(ctx), feed); err != nil {
			log.Warnw("failed to release feed lock", "feed", feed, "err", err)
		}
	}()

	since := time.Unix(0, 0).UTC()
	if pos, ok, err := f.Checkpoints.Get(ctx, feed, indexer.CheckpointSnapshotExport); err != nil {
		return nil, err
	} else if ok {
		since = time.UnixMicro(pos).UTC()
	}

	var (
		count int64
		until time.Time
	)
	if err := f.Pool.QueryRow(ctx, DeltaQuery(meta), since).Scan(&count, &until); err != nil {
		return nil, feedsync.NewStorageError("count snapshot delta", err).WithFeed(feed)
	}
	if count == 0 {
		log.Infow("no modified rows since watermark", "feed", feed, "since", since)
		return &SnapshotResult{Feed: feed, Status: feedsync.StatusProvider{}.Classify(feedsync.PublishOutcome{Skipped: true})}, nil
	}

	id := f.id()
	tmpKey := objectKey(f.Config.S3Prefix, "delta", feed, "_tmp", id+".parquet")
	finalKey := objectKey(f.Config.S3Prefix, "delta", feed, id+".parquet")
	tmpPath := fmt.Sprintf("s3://%s/%s", f.Config.S3Bucket, tmpKey)

	log.Infow("export snapshot", "feed", feed, "since", since, "until", until, "rows", count, "tmp", tmpPath)
	if err := f.Duck.CopyToParquet(ctx, ExportQuery(f.PGConnString, meta, since, until, tmpPath)); err != nil {
		return nil, err
	}
	if err := f.Objects.Copy(ctx, f.Config.S3Bucket, tmpKey, finalKey); err != nil {
		return nil, err
	}
	if err := f.Objects.Delete(ctx, f.Config.S3Bucket, tmpKey); err != nil {
		log.Warnw("failed to delete temporary snapshot", "key", tmpKey, "err", err)
	}

	manifest := &Manifest{Feed: feed, Key: finalKey, Rows: count, Since: since, Until: until.UTC(), CreatedAt: f.now()}
	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, feedsync.NewInternalError("marshal snapshot manifest", err)
	}
	if err := f.Objects.Put(ctx, f.Config.S3Bucket, strings.TrimSuffix(finalKey, ".parquet")+".manifest.json", "application/json", body); err != nil {
		return nil, err
	}

	if f.DryRun {
		log.Infow("dry-run: watermark not advanced", "feed", feed)
	} else if err := f.Checkpoints.Save(ctx, feed, indexer.CheckpointSnapshotExport, until.UnixMicro()); err != nil {
		return nil, err
	}

	metrics.SnapshotRows.WithLabelValues(feed).Add(float64(count))
	log.Infow("snapshot completed", "feed", feed, "rows", count, "final_key", finalKey)
	return &SnapshotResult{Feed: feed, Status: feedsync.ExportStatus{Code: feedsync.StatusSuccess}, Manifest: manifest}, nil
}
