package factory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/events"
	"github.com/lychee-technology/feedsync/internal/export"
	"github.com/lychee-technology/feedsync/internal/feedstore"
	"github.com/lychee-technology/feedsync/internal/identity"
	"github.com/lychee-technology/feedsync/internal/indexer"
	"github.com/lychee-technology/feedsync/internal/lock"
	"github.com/lychee-technology/feedsync/internal/removal"
	"github.com/lychee-technology/feedsync/internal/resolver"
	"github.com/lychee-technology/feedsync/internal/sqlutil"
	"github.com/lychee-technology/feedsync/internal/syncer"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// Engine bundles the wired components of the sync engine.
type Engine struct {
	Config      *feedsync.Config
	Store       *feedstore.Store
	Identities  *identity.Registry
	Remover     *removal.Marker
	Checkpoints *indexer.CheckpointStore
	Changelog   *indexer.Changelog
	Providers   *resolver.Registry
	Modes       *indexer.ModeRegistry
	Locks       *lock.Manager
	Runner      *syncer.Runner
	Bus         *events.Bus

	metas  map[string]*feedsync.FeedMetadata
	logger *zap.Logger
}

// Options are the inputs of NewEngine that do not come from the configuration.
type Options struct {
	// LockProvider backs the feed locks. Required.
	LockProvider lock.Provider
	// Providers overrides the entity ids provider of named feeds; other feeds use a TableProvider.
	Providers map[string]resolver.EntityIdsProvider
	// SkipTableCheck disables the start-up verification of the engine and feed tables.
	SkipTableCheck bool
	Logger         *zap.Logger
}

// NewEngine verifies the database layout and wires one indexer per configured feed.
//
// Usage:
//
//	cfg, _ := feedsync.LoadConfig("feedsync.yaml")
//	engine, err := factory.NewEngine(ctx, cfg, pool, factory.Options{LockProvider: provider})
//	if err != nil {
//	    // handle error
//	}
//	result, err := engine.Runner.FullReindex(ctx, "products", feedsync.ReindexOptions{})
func NewEngine(ctx context.Context, cfg *feedsync.Config, pool sqlutil.Pool, opts Options) (*Engine, error) {
	if opts.LockProvider == nil {
		return nil, fmt.Errorf("factory: a lock provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	tables := cfg.Database.TableNames

	metas := make(map[string]*feedsync.FeedMetadata, len(cfg.Feeds))
	ordered := make([]*feedsync.FeedMetadata, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		meta, err := cfg.FeedMetadata(feed)
		if err != nil {
			return nil, err
		}
		metas[feed.Name] = meta
		ordered = append(ordered, meta)
	}

	if !opts.SkipTableCheck {
		required := []string{tables.Identity, tables.LockHolder, tables.Checkpoint, tables.Changelog}
		for _, meta := range ordered {
			required = append(required, meta.FeedTable(), meta.SourceTable())
			if meta.IsScoped() {
				required = append(required, meta.ScopeTable())
			}
		}
		if err := VerifyTables(ctx, pool, required); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		Config:      cfg,
		Store:       feedstore.New(pool),
		Identities:  identity.NewRegistry(pool, tables.Identity, identity.WithAttempts(cfg.Sync.IdentityAttempts), identity.WithLogger(logger)),
		Remover:     removal.NewMarker(pool, logger),
		Checkpoints: indexer.NewCheckpointStore(pool, tables.Checkpoint),
		Changelog:   indexer.NewChangelog(pool, tables.Changelog),
		Providers:   resolver.NewRegistry(),
		Modes:       indexer.NewModeRegistry(),
		Locks:       lock.NewManager(opts.LockProvider, lock.NewPostgresAnnotationStore(pool, tables.LockHolder), logger),
		Bus:         events.NewBus(logger),
		metas:       metas,
		logger:      logger,
	}
	e.Runner = syncer.NewRunner(syncer.Config{
		Locks:     e.Locks,
		Providers: e.Providers,
		Modes:     e.Modes,
		Changes:   e.Changelog,
		LockedBy:  cfg.Sync.LockedBy,
		Retention: cfg.Sync.ChangelogRetention,
		Logger:    logger,
	})
	e.Runner.Subscribe(e.Bus)

	fetcher := indexer.NewSQLSourceFetcher(pool)
	for _, feed := range cfg.Feeds {
		meta := metas[feed.Name]
		schemaJSON, err := loadPayloadSchema(meta.PayloadSchema())
		if err != nil {
			return nil, feedsync.NewMetadataError(feed.Name, "payload schema").WithCause(err)
		}
		serializer, err := indexer.NewJSONSerializer(schemaJSON)
		if err != nil {
			return nil, feedsync.NewMetadataError(feed.Name, "payload schema").WithCause(err)
		}
		deps := indexer.Deps{
			Fetcher:     fetcher,
			Serializer:  serializer,
			Writer:      e.Store,
			Remover:     e.Remover,
			Checkpoints: e.Checkpoints,
			Logger:      logger,
		}
		if meta.UsesIdentity() {
			deps.Identities = e.Identities
		}
		ix, err := indexer.New(meta, deps)
		if err != nil {
			return nil, err
		}
		e.Runner.Register(ix)
		e.Modes.Set(feed.Name, feed.Mode)

		provider, ok := opts.Providers[feed.Name]
		if !ok {
			provider = resolver.NewTableProvider(pool)
		}
		e.Providers.Register(feed.Name, provider)
	}

	logger.Sugar().Infow("feed sync engine ready", "feeds", e.Runner.Feeds(), "lock_provider", cfg.Sync.LockProvider)
	return e, nil
}

// Metadata returns the metadata of a configured feed.
func (e *Engine) Metadata(feed string) (*feedsync.FeedMetadata, error) {
	meta, ok := e.metas[feed]
	if !ok {
		return nil, feedsync.NewFeedNotRegisteredError(feed)
	}
	return meta, nil
}

// AllMetadata returns the metadata of every feed in configuration order.
func (e *Engine) AllMetadata() []*feedsync.FeedMetadata {
	out := make([]*feedsync.FeedMetadata, 0, len(e.Config.Feeds))
	for _, feed := range e.Config.Feeds {
		out = append(out, e.metas[feed.Name])
	}
	return out
}

// Submitter builds the downstream submitter configured by the export settings.
func (e *Engine) Submitter(publisher export.Publisher) *export.Submitter {
	exp := e.Config.Export
	opts := []export.Option{
		export.WithBreaker(export.NewCircuitBreaker(exp.BreakerThreshold, exp.BreakerWindow, exp.BreakerOpenFor)),
		export.WithMaxBatches(exp.MaxBatches),
		export.WithLogger(e.logger),
	}
	if exp.RetryCooldown > 0 {
		opts = append(opts, export.WithPolicy(export.CooldownPolicy{Cooldown: exp.RetryCooldown}))
	}
	return export.NewSubmitter(e.Store, publisher, exp.BatchSize, opts...)
}

// NewLockProvider selects the lock backend named by the configuration.
func NewLockProvider(cfg *feedsync.Config, db *sql.DB, client valkey.Client) (lock.Provider, error) {
	switch cfg.Sync.LockProvider {
	case feedsync.LockProviderPostgres:
		if db == nil {
			return nil, fmt.Errorf("factory: postgres lock provider requires a database handle")
		}
		return lock.NewPostgresProvider(db), nil
	case feedsync.LockProviderValkey:
		if client == nil {
			return nil, fmt.Errorf("factory: valkey lock provider requires a valkey client")
		}
		return lock.NewValkeyProvider(client, cfg.Export.StreamPrefix), nil
	default:
		return nil, fmt.Errorf("factory: unknown lock provider %q", cfg.Sync.LockProvider)
	}
}

// VerifyTables fails when any of the named tables is missing. Names may be schema-qualified;
// unqualified names are looked up in any schema.
func VerifyTables(ctx context.Context, pool sqlutil.Pool, names []string) error {
	rows, err := pool.Query(ctx, `SELECT table_schema, table_name FROM information_schema.tables WHERE table_type IN ('BASE TABLE', 'VIEW')`)
	if err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		existing[table] = struct{}{}
		existing[schema+"."+table] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	var missing []string
	for _, name := range names {
		if _, ok := existing[strings.Trim(name, `"`)]; !ok && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tables are missing in the database: %s", strings.Join(missing, ", "))
	}
	return nil
}

// loadPayloadSchema accepts an inline JSON schema or the path of a schema file.
func loadPayloadSchema(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "{") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read payload schema %s: %w", ref, err)
	}
	return string(data), nil
}
