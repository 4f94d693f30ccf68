package indexer

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/batch"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"github.com/lychee-technology/feedsync/internal/resolver"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"go.uber.org/zap"
)

// FeedWriter persists batches of pending updates.
type FeedWriter interface {
	Upsert(ctx context.Context, meta *feedsync.FeedMetadata, updates []feedsync.PendingUpdate) (int64, error)
}

// Checkpointer persists full reindex progress.
type Checkpointer interface {
	Get(ctx context.Context, feed, kind string) (int64, bool, error)
	Save(ctx context.Context, feed, kind string, position int64) error
	Clear(ctx context.Context, feed, kind string) error
}

// Indexer materializes source entities of one feed into feed rows.
type Indexer struct {
	meta        *feedsync.FeedMetadata
	fetcher     SourceFetcher
	serializer  Serializer
	writer      FeedWriter
	identities  feedsync.IdentityRegistry
	remover     feedsync.RemovalMarker
	checkpoints Checkpointer
	logger      *zap.Logger
}

// Deps are the collaborators of an Indexer. Identities is required when the feed uses an
// identity type; Checkpoints is optional.
type Deps struct {
	Fetcher     SourceFetcher
	Serializer  Serializer
	Writer      FeedWriter
	Identities  feedsync.IdentityRegistry
	Remover     feedsync.RemovalMarker
	Checkpoints Checkpointer
	Logger      *zap.Logger
}

func New(meta *feedsync.FeedMetadata, deps Deps) (*Indexer, error) {
	if deps.Fetcher == nil || deps.Serializer == nil || deps.Writer == nil || deps.Remover == nil {
		return nil, feedsync.NewMetadataError(meta.FeedName(), "indexer requires a fetcher, a serializer, a writer and a removal marker")
	}
	if meta.UsesIdentity() && deps.Identities == nil {
		return nil, feedsync.NewMetadataError(meta.FeedName(), "identity type "+meta.IdentityType()+" requires an identity registry")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Indexer{
		meta:        meta,
		fetcher:     deps.Fetcher,
		serializer:  deps.Serializer,
		writer:      deps.Writer,
		identities:  deps.Identities,
		remover:     deps.Remover,
		checkpoints: deps.Checkpoints,
		logger:      logger.With(zap.String("feed", meta.FeedName())),
	}, nil
}

func (ix *Indexer) Metadata() *feedsync.FeedMetadata { return ix.meta }

// FullReindex processes every id the provider enumerates, then sweeps rows whose entity left the source.
// A failed batch is logged and recorded in the returned *feedsync.BatchErrors; later batches still run.
func (ix *Indexer) FullReindex(ctx context.Context, provider resolver.EntityIdsProvider, opts feedsync.ReindexOptions) (*feedsync.ReindexResult, error) {
	start := time.Now()
	feed := ix.meta.FeedName()
	result := &feedsync.ReindexResult{Feed: feed}
	defer func() {
		result.Duration = time.Since(start)
		metrics.ReindexDuration.WithLabelValues(feed, "full").Observe(result.Duration.Seconds())
	}()

	if !provider.Supports(resolver.ModeFull) {
		return result, feedsync.NewResolutionNotSupportedError(provider.Name(), resolver.ModeFull.String()).WithFeed(feed)
	}

	after, resumed, err := ix.resumePoint(ctx, opts)
	if err != nil {
		return result, err
	}
	pages := provider.AllIDs(ctx, ix.meta)
	if resumed {
		result.SkippedBelow = after
		if seeker, ok := provider.(resolver.Seeker); ok {
			pages = seeker.AllIDsAfter(ctx, ix.meta, after)
		}
		ix.logger.Sugar().Infow("resuming full reindex", "after", after)
	}

	batchErrs := feedsync.NewBatchErrors(feed)
	contiguous := true
	for page, err := range pages {
		if err != nil {
			ix.logger.Sugar().Errorw("entity id resolution failed", "err", err)
			return result, errors.Join(err, batchErrs.ToError())
		}
		if resumed {
			page = idsAfter(page, after)
			if len(page) == 0 {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return result, errors.Join(err, batchErrs.ToError())
		}

		result.Batches++
		n, err := ix.processBatch(ctx, page)
		if err != nil {
			contiguous = false
			ix.recordFailure(batchErrs, result.Batches, page, err)
			continue
		}
		batchErrs.AddSuccess()
		result.Upserted += n
		if contiguous && ix.checkpoints != nil {
			if err := ix.checkpoints.Save(ctx, feed, CheckpointFullReindex, page[len(page)-1]); err != nil {
				ix.logger.Sugar().Warnw("failed to save reindex checkpoint", "err", err)
			}
		}
	}

	removed, err := ix.remover.Sweep(ctx, ix.meta)
	if err != nil {
		ix.logger.Sugar().Errorw("removal sweep failed", "err", err)
		return result, errors.Join(err, batchErrs.ToError())
	}
	result.Removed = removed

	if batchErrs.HasErrors() {
		ix.logger.Sugar().Errorw("full reindex finished with failed batches", "report", batchErrs.GetDetailedReport())
		return result, batchErrs
	}
	if ix.checkpoints != nil {
		if err := ix.checkpoints.Clear(ctx, feed, CheckpointFullReindex); err != nil {
			ix.logger.Sugar().Warnw("failed to clear reindex checkpoint", "err", err)
		}
	}
	ix.logger.Sugar().Infow("full reindex completed",
		"batches", result.Batches, "upserted", result.Upserted, "removed", result.Removed)
	return result, nil
}

// ReindexList reindexes the given ids in batch-size chunks and reconciles removals for each chunk.
func (ix *Indexer) ReindexList(ctx context.Context, ids []int64) (*feedsync.ReindexResult, error) {
	return ix.runList(ctx, "list", sqlutil.Dedupe(ids), nil)
}

// ReindexAffected narrows change-hook candidates through the provider's incremental resolution.
// Ids that still qualify are indexed in source key order; the rest only go through the removal marker.
func (ix *Indexer) ReindexAffected(ctx context.Context, provider resolver.EntityIdsProvider, ids []int64) (*feedsync.ReindexResult, error) {
	feed := ix.meta.FeedName()
	if !provider.Supports(resolver.ModeIncremental) {
		return &feedsync.ReindexResult{Feed: feed},
			feedsync.NewResolutionNotSupportedError(provider.Name(), resolver.ModeIncremental.String()).WithFeed(feed)
	}
	candidates := sqlutil.Dedupe(ids)
	if len(candidates) == 0 {
		return &feedsync.ReindexResult{Feed: feed}, nil
	}
	live, err := provider.AffectedIDs(ctx, ix.meta, candidates)
	if err != nil {
		return &feedsync.ReindexResult{Feed: feed}, err
	}
	present := make(map[int64]struct{}, len(live))
	for _, id := range live {
		present[id] = struct{}{}
	}
	var gone []int64
	for _, id := range candidates {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	return ix.runList(ctx, "affected", live, gone)
}

// runList indexes process in batches, reconciling removals per batch, then reconciles removeOnly.
func (ix *Indexer) runList(ctx context.Context, kind string, process, removeOnly []int64) (*feedsync.ReindexResult, error) {
	start := time.Now()
	feed := ix.meta.FeedName()
	result := &feedsync.ReindexResult{Feed: feed}
	defer func() {
		result.Duration = time.Since(start)
		metrics.ReindexDuration.WithLabelValues(feed, kind).Observe(result.Duration.Seconds())
	}()

	batchErrs := feedsync.NewBatchErrors(feed)
	for _, chunk := range sqlutil.Chunk(process, ix.meta.BatchSize()) {
		result.Batches++
		n, err := ix.processBatch(ctx, chunk)
		if err != nil {
			ix.recordFailure(batchErrs, result.Batches, chunk, err)
			continue
		}
		result.Upserted += n

		removed, err := ix.remover.Execute(ctx, chunk, ix.meta)
		if err != nil {
			ix.recordFailure(batchErrs, result.Batches, chunk, err)
			continue
		}
		result.Removed += removed
		batchErrs.AddSuccess()
	}
	for _, chunk := range sqlutil.Chunk(removeOnly, ix.meta.BatchSize()) {
		result.Batches++
		removed, err := ix.remover.Execute(ctx, chunk, ix.meta)
		if err != nil {
			ix.recordFailure(batchErrs, result.Batches, chunk, err)
			continue
		}
		result.Removed += removed
		batchErrs.AddSuccess()
	}
	return result, batchErrs.ToError()
}

// ReindexRow reindexes a single entity.
func (ix *Indexer) ReindexRow(ctx context.Context, id int64) error {
	_, err := ix.ReindexList(ctx, []int64{id})
	return err
}

func (ix *Indexer) resumePoint(ctx context.Context, opts feedsync.ReindexOptions) (int64, bool, error) {
	if !opts.Resume || ix.checkpoints == nil {
		return 0, false, nil
	}
	return ix.checkpoints.Get(ctx, ix.meta.FeedName(), CheckpointFullReindex)
}

// processBatch fetches, serializes and upserts one chunk of ids, flushing every full batch.
func (ix *Indexer) processBatch(ctx context.Context, ids []int64) (int64, error) {
	rows, err := ix.fetcher.Fetch(ctx, ix.meta, ids)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	bases, err := ix.baseIdentities(ctx, rows)
	if err != nil {
		return 0, err
	}

	state := batch.NewIndexStateProvider(ix.meta.BatchSize())
	var written int64
	flush := func() error {
		items := state.FeedItems()
		n, err := ix.writer.Upsert(ctx, ix.meta, items)
		if err != nil {
			return err
		}
		written += n
		return nil
	}

	for _, row := range rows {
		data, err := ix.serializer.Serialize(ix.meta, row)
		if err != nil {
			return written, err
		}
		state.AddUpdates(feedsync.PendingUpdate{
			FeedID:         feedsync.FeedID(bases[row.EntityID], row.Scope),
			SourceEntityID: row.EntityID,
			ScopeCode:      row.Scope,
			FeedData:       data,
			FeedHash:       PayloadHash(data),
		})
		if state.IsBatchLimitReached() {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	for state.Len() > 0 {
		if err := flush(); err != nil {
			return written, err
		}
	}

	metrics.ReindexRows.WithLabelValues(ix.meta.FeedName()).Add(float64(written))
	metrics.ReindexBatches.WithLabelValues(ix.meta.FeedName(), "ok").Inc()
	return written, nil
}

func (ix *Indexer) baseIdentities(ctx context.Context, rows []feedsync.SourceRow) (map[int64]string, error) {
	bases := make(map[int64]string, len(rows))
	if !ix.meta.UsesIdentity() {
		for _, row := range rows {
			bases[row.EntityID] = strconv.FormatInt(row.EntityID, 10)
		}
		return bases, nil
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.EntityID)
	}
	assigned, err := ix.identities.AssignBulk(ctx, ids, ix.meta.IdentityType())
	if err != nil {
		return nil, err
	}
	for id, u := range assigned {
		bases[id] = u.String()
	}
	return bases, nil
}

func (ix *Indexer) recordFailure(batchErrs *feedsync.BatchErrors, index int, ids []int64, err error) {
	failure := &feedsync.BatchFailure{Index: index, EntityIDs: ids, Code: errorCode(err), Cause: err}
	batchErrs.Add(failure)
	metrics.ReindexBatches.WithLabelValues(ix.meta.FeedName(), "failed").Inc()
	ix.logger.Sugar().Errorw("feed batch failed",
		"batch", index, "first_id", ids[0], "last_id", ids[len(ids)-1], "size", len(ids), "err", err)
}

func errorCode(err error) string {
	var feedErr *feedsync.FeedError
	if errors.As(err, &feedErr) {
		return feedErr.Code
	}
	var saveErr *feedsync.IdentitySaveError
	if errors.As(err, &saveErr) {
		return feedsync.ErrCodeIdentitySaveFailed
	}
	return feedsync.ErrCodeBatchFailed
}

func idsAfter(ids []int64, after int64) []int64 {
	for i, id := range ids {
		if id > after {
			return ids[i:]
		}
	}
	return nil
}

// Pages adapts a fixed id list to the page iterator consumed by FullReindex.
func Pages(ids []int64, size int) iter.Seq2[[]int64, error] {
	return func(yield func([]int64, error) bool) {
		for _, chunk := range sqlutil.Chunk(ids, size) {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
