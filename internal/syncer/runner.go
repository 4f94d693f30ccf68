package syncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/events"
	"github.com/lychee-technology/feedsync/internal/indexer"
	"github.com/lychee-technology/feedsync/internal/resolver"
	"go.uber.org/zap"
)

// FeedIndexer is the indexing surface the runner drives.
type FeedIndexer interface {
	Metadata() *feedsync.FeedMetadata
	FullReindex(ctx context.Context, provider resolver.EntityIdsProvider, opts feedsync.ReindexOptions) (*feedsync.ReindexResult, error)
	ReindexList(ctx context.Context, ids []int64) (*feedsync.ReindexResult, error)
	ReindexAffected(ctx context.Context, provider resolver.EntityIdsProvider, ids []int64) (*feedsync.ReindexResult, error)
}

// ChangeQueue buffers entity changes of feeds that are indexed on schedule.
type ChangeQueue interface {
	Enqueue(ctx context.Context, feed string, ids []int64) error
	Pending(ctx context.Context, feed string, limit int) ([]int64, int64, error)
	MarkProcessed(ctx context.Context, feed string, ids []int64, snapshot int64) (int64, error)
	Purge(ctx context.Context, feed string, retention time.Duration) (int64, error)
}

// Config are the collaborators of a Runner.
type Config struct {
	Locks     feedsync.LockManager
	Providers *resolver.Registry
	Modes     *indexer.ModeRegistry
	Changes   ChangeQueue
	LockedBy  string
	// Retention bounds how long processed changelog entries are kept.
	Retention time.Duration
	Logger    *zap.Logger
}

// Runner executes feed runs under the per-feed lock. Every run releases the lock on every exit path.
type Runner struct {
	locks     feedsync.LockManager
	providers *resolver.Registry
	modes     *indexer.ModeRegistry
	changes   ChangeQueue
	lockedBy  string
	retention time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	feeds map[string]FeedIndexer
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	providers := cfg.Providers
	if providers == nil {
		providers = resolver.NewRegistry()
	}
	modes := cfg.Modes
	if modes == nil {
		modes = indexer.NewModeRegistry()
	}
	return &Runner{
		locks:     cfg.Locks,
		providers: providers,
		modes:     modes,
		changes:   cfg.Changes,
		lockedBy:  cfg.LockedBy,
		retention: cfg.Retention,
		logger:    logger,
		feeds:     make(map[string]FeedIndexer),
	}
}

// Register adds the indexer of a feed.
func (r *Runner) Register(ix FeedIndexer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[ix.Metadata().FeedName()] = ix
}

// Feeds returns the registered feed names in sorted order.
func (r *Runner) Feeds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Indexer returns the indexer of a feed, or ErrFeedNotRegistered.
func (r *Runner) Indexer(feed string) (FeedIndexer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ix, ok := r.feeds[feed]
	if !ok {
		return nil, feedsync.NewFeedNotRegisteredError(feed)
	}
	return ix, nil
}

// Guard runs fn while holding the feed lock. A busy feed fails fast with ErrLockNotAcquired.
func (r *Runner) Guard(ctx context.Context, feed string, fn func(ctx context.Context) error) error {
	res, err := r.locks.Lock(ctx, feed, r.lockedBy)
	if err != nil {
		return err
	}
	if !res.Acquired {
		holder, _, herr := r.locks.LockedBy(ctx, feed)
		if herr != nil {
			r.logger.Sugar().Warnw("failed to read lock holder", "feed", feed, "err", herr)
		}
		return feedsync.NewLockNotAcquiredError(feed, holder)
	}
	defer func() {
		if _, err := r.locks.Unlock(context.WithoutCancel(ctx), feed); err != nil {
			r.logger.Sugar().Errorw("failed to release feed lock", "feed", feed, "err", err)
		}
	}()
	return fn(ctx)
}

// FullReindex runs a full reindex of the feed with its registered provider.
func (r *Runner) FullReindex(ctx context.Context, feed string, opts feedsync.ReindexOptions) (*feedsync.ReindexResult, error) {
	ix, err := r.Indexer(feed)
	if err != nil {
		return nil, err
	}
	provider, err := r.providers.Get(feed)
	if err != nil {
		return nil, err
	}
	var result *feedsync.ReindexResult
	err = r.Guard(ctx, feed, func(ctx context.Context) error {
		var runErr error
		result, runErr = ix.FullReindex(ctx, provider, opts)
		return runErr
	})
	return result, err
}

// ReindexList reindexes the given ids of the feed. When the feed's provider resolves incrementally
// the ids are narrowed through it first.
func (r *Runner) ReindexList(ctx context.Context, feed string, ids []int64) (*feedsync.ReindexResult, error) {
	ix, err := r.Indexer(feed)
	if err != nil {
		return nil, err
	}
	var result *feedsync.ReindexResult
	err = r.Guard(ctx, feed, func(ctx context.Context) error {
		var runErr error
		result, runErr = r.reindexIDs(ctx, feed, ix, ids)
		return runErr
	})
	return result, err
}

// RunScheduled drains the changelog of the feed in batch-size pages and purges old entries.
// Entries of a page are closed only when the whole page was indexed without batch errors.
func (r *Runner) RunScheduled(ctx context.Context, feed string) (*feedsync.ReindexResult, error) {
	ix, err := r.Indexer(feed)
	if err != nil {
		return nil, err
	}
	if r.changes == nil {
		return nil, feedsync.NewFeedError(feedsync.ErrorTypeConfiguration, feedsync.ErrCodeInvalidMetadata,
			"scheduled runs require a changelog").WithFeed(feed)
	}
	total := &feedsync.ReindexResult{Feed: feed}
	err = r.Guard(ctx, feed, func(ctx context.Context) error {
		limit := ix.Metadata().BatchSize()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, snapshot, err := r.changes.Pending(ctx, feed, limit)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				break
			}
			res, err := r.reindexIDs(ctx, feed, ix, ids)
			if res != nil {
				total.Batches += res.Batches
				total.Upserted += res.Upserted
				total.Removed += res.Removed
				total.Duration += res.Duration
			}
			if err != nil {
				return err
			}
			if _, err := r.changes.MarkProcessed(ctx, feed, ids, snapshot); err != nil {
				return err
			}
			if len(ids) < limit {
				break
			}
		}
		purged, err := r.changes.Purge(ctx, feed, r.retention)
		if err != nil {
			return err
		}
		if purged > 0 {
			r.logger.Sugar().Infow("purged processed changelog entries", "feed", feed, "count", purged)
		}
		return nil
	})
	return total, err
}

// HandleEntityChanged routes an entity change to every feed of that entity type. Feeds indexed on
// schedule queue the ids; other feeds are reindexed immediately, or queued when their lock is busy.
func (r *Runner) HandleEntityChanged(ctx context.Context, ev feedsync.EntityChanged) error {
	var errs []error
	for _, feed := range r.Feeds() {
		ix, err := r.Indexer(feed)
		if err != nil || ix.Metadata().EntityType() != ev.EntityType {
			continue
		}
		if r.modes.IsScheduled(feed) {
			if err := r.enqueue(ctx, feed, ev.EntityIDs); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		_, err = r.ReindexList(ctx, feed, ev.EntityIDs)
		if errors.Is(err, feedsync.ErrLockNotAcquired) && r.changes != nil {
			r.logger.Sugar().Infow("feed busy, queueing changes", "feed", feed, "ids", len(ev.EntityIDs))
			err = r.enqueue(ctx, feed, ev.EntityIDs)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) reindexIDs(ctx context.Context, feed string, ix FeedIndexer, ids []int64) (*feedsync.ReindexResult, error) {
	if provider, err := r.providers.Get(feed); err == nil && provider.Supports(resolver.ModeIncremental) {
		return ix.ReindexAffected(ctx, provider, ids)
	}
	return ix.ReindexList(ctx, ids)
}

func (r *Runner) enqueue(ctx context.Context, feed string, ids []int64) error {
	if r.changes == nil {
		return feedsync.NewFeedError(feedsync.ErrorTypeConfiguration, feedsync.ErrCodeInvalidMetadata,
			"feed is scheduled but no changelog is configured").WithFeed(feed)
	}
	return r.changes.Enqueue(ctx, feed, ids)
}

// Subscribe registers the runner as an entity change handler on the bus.
func (r *Runner) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.Registration{Name: "feed-sync", Handler: r.HandleEntityChanged})
}
