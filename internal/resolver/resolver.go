package resolver

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
)

// Mode is a resolution capability of an EntityIdsProvider.
type Mode int

const (
	// ModeFull enumerates every qualifying source id.
	ModeFull Mode = iota
	// ModeIncremental narrows a known candidate set to the ids that currently exist.
	ModeIncremental
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeIncremental:
		return "incremental"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// EntityIdsProvider resolves which source entities a feed run has to process.
// Callers check Supports before calling a resolution method.
type EntityIdsProvider interface {
	Name() string
	Supports(mode Mode) bool
	// AllIDs lazily yields pages of ids in source key order. Iteration stops after the first error.
	AllIDs(ctx context.Context, meta *feedsync.FeedMetadata) iter.Seq2[[]int64, error]
	// AffectedIDs returns the subset of ids that currently exist in the source, in key order.
	AffectedIDs(ctx context.Context, meta *feedsync.FeedMetadata, ids []int64) ([]int64, error)
}

// Seeker is implemented by providers able to start a full enumeration after a given key.
type Seeker interface {
	AllIDsAfter(ctx context.Context, meta *feedsync.FeedMetadata, after int64) iter.Seq2[[]int64, error]
}

// TableProvider enumerates the source table by keyset pagination on the source key.
type TableProvider struct {
	pool sqlutil.Pool
}

func NewTableProvider(pool sqlutil.Pool) *TableProvider {
	return &TableProvider{pool: pool}
}

func (p *TableProvider) Name() string { return "table" }

func (p *TableProvider) Supports(mode Mode) bool {
	return mode == ModeFull || mode == ModeIncremental
}

func (p *TableProvider) AllIDs(ctx context.Context, meta *feedsync.FeedMetadata) iter.Seq2[[]int64, error] {
	return p.AllIDsAfter(ctx, meta, math.MinInt64)
}

func (p *TableProvider) AllIDsAfter(ctx context.Context, meta *feedsync.FeedMetadata, after int64) iter.Seq2[[]int64, error] {
	query := pageQuery(meta, "")
	return paginate(ctx, p.pool, query, meta.BatchSize(), after)
}

func (p *TableProvider) AffectedIDs(ctx context.Context, meta *feedsync.FeedMetadata, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	key := sqlutil.SanitizeIdentifier(meta.SourceKey())
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ANY($1) ORDER BY %s`,
		key, sqlutil.SanitizeIdentifier(meta.SourceTable()), key, key)
	return collectIDs(ctx, p.pool, query, ids)
}

// DateRangeProvider enumerates source rows whose modification column falls in [From, To).
// It only supports full resolution.
type DateRangeProvider struct {
	pool sqlutil.Pool
	From string
	To   string
}

// NewDateRangeProvider builds a provider bounded by two timestamps in any format Postgres accepts.
func NewDateRangeProvider(pool sqlutil.Pool, from, to string) *DateRangeProvider {
	return &DateRangeProvider{pool: pool, From: from, To: to}
}

func (p *DateRangeProvider) Name() string { return "date_range" }

func (p *DateRangeProvider) Supports(mode Mode) bool {
	return mode == ModeFull
}

func (p *DateRangeProvider) AllIDs(ctx context.Context, meta *feedsync.FeedMetadata) iter.Seq2[[]int64, error] {
	if meta.ModifiedAtColumn() == "" {
		return func(yield func([]int64, error) bool) {
			yield(nil, feedsync.NewMetadataError(meta.FeedName(), "date range resolution requires a modifiedAt column"))
		}
	}
	modified := sqlutil.SanitizeIdentifier(meta.ModifiedAtColumn())
	filter := fmt.Sprintf("%s >= $3::timestamptz AND %s < $4::timestamptz", modified, modified)
	query := pageQuery(meta, filter)
	return paginate(ctx, p.pool, query, meta.BatchSize(), math.MinInt64, p.From, p.To)
}

func (p *DateRangeProvider) AffectedIDs(ctx context.Context, meta *feedsync.FeedMetadata, ids []int64) ([]int64, error) {
	return nil, feedsync.NewResolutionNotSupportedError(p.Name(), ModeIncremental.String()).WithFeed(meta.FeedName())
}

func pageQuery(meta *feedsync.FeedMetadata, filter string) string {
	key := sqlutil.SanitizeIdentifier(meta.SourceKey())
	where := fmt.Sprintf("%s > $1", key)
	if filter != "" {
		where += " AND " + filter
	}
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $2`,
		key, sqlutil.SanitizeIdentifier(meta.SourceTable()), where, key)
}

func paginate(ctx context.Context, pool sqlutil.Pool, query string, pageSize int, after int64, extra ...any) iter.Seq2[[]int64, error] {
	return func(yield func([]int64, error) bool) {
		last := after
		for {
			args := append([]any{last, pageSize}, extra...)
			page, err := collectIDs(ctx, pool, query, args...)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if len(page) < pageSize {
				return
			}
			last = page[len(page)-1]
		}
	}
}

func collectIDs(ctx context.Context, pool sqlutil.Pool, query string, args ...any) ([]int64, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, feedsync.NewStorageError("resolve entity ids", err)
	}
	defer rows.Close()
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, feedsync.NewStorageError("scan entity id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, feedsync.NewStorageError("iterate entity ids", err)
	}
	return ids, nil
}

// Registry maps feed names to their entity ids provider. It is populated at start-up.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]EntityIdsProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]EntityIdsProvider)}
}

// Register binds a provider to a feed, replacing any previous binding.
func (r *Registry) Register(feed string, provider EntityIdsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[feed] = provider
}

// Get returns the provider of a feed, or ErrProviderNotRegistered.
func (r *Registry) Get(feed string) (EntityIdsProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[feed]
	if !ok {
		return nil, feedsync.NewProviderNotRegisteredError(feed)
	}
	return p, nil
}
