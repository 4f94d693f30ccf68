package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/factory"
	"github.com/lychee-technology/feedsync/internal/cdc"
	"github.com/lychee-technology/feedsync/internal/health"
	"github.com/lychee-technology/feedsync/internal/lock"
	"github.com/lychee-technology/feedsync/internal/resolver"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command of the feedsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "feedsync",
		Short: "Materialize catalog entities into export feed tables",
		Long: `feedsync keeps denormalized feed tables in sync with their source entities.

It runs full and targeted reindexes under a per-feed lock, drains the change log of
scheduled feeds, submits pending rows downstream and exports parquet snapshots.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(opts.Verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = zap.L().Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", getEnv("FEEDSYNC_CONFIG", "feedsync.yaml"), "path to the YAML configuration")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "development logging at debug level")

	cmd.AddCommand(NewReindexCommand(opts))
	cmd.AddCommand(NewReindexListCommand(opts))
	cmd.AddCommand(NewRunScheduledCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func setupLogger(verbose bool) error {
	build := zap.NewProduction
	if verbose {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// newLogger builds the logger described by the logging settings. Verbose wins over the configured level.
func newLogger(cfg feedsync.LoggingConfig, verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	if cfg.Format != "" {
		zcfg.Encoding = cfg.Format
	}
	return zcfg.Build()
}

// app holds the connections and the wired engine of one command invocation.
type app struct {
	cfg      *feedsync.Config
	dsn      string
	awsCfg   aws.Config
	pool     *pgxpool.Pool
	db       *sql.DB
	valkey   valkey.Client
	provider lock.Provider
	engine   *factory.Engine
}

type appOptions struct {
	withValkey bool
	// providers overrides the entity ids provider of feeds once the pool is open.
	providers func(pool *pgxpool.Pool) map[string]resolver.EntityIdsProvider
}

func openApp(ctx context.Context, opts *RootOptions, aopts appOptions) (_ *app, err error) {
	cfg, err := feedsync.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging, opts.Verbose)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	if err := health.ValidatePostgresConfig(cfg.Database); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.awsCfg, err = cdc.LoadAWSConfig(ctx, cfg.Snapshot)
	if err != nil && (cfg.Database.UseIAM || cfg.Snapshot.Enabled) {
		return nil, err
	}
	a.dsn = cfg.Database.DSNWithPassword(cdc.DatabasePassword(ctx, cfg.Database, a.awsCfg, zap.L()))

	a.pool, err = createDatabasePool(ctx, cfg.Database, a.dsn)
	if err != nil {
		return nil, err
	}
	a.db, err = sql.Open("postgres", a.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database handle: %w", err)
	}
	a.db.SetMaxOpenConns(cfg.Database.MaxConnections)
	a.db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if aopts.withValkey || cfg.Sync.LockProvider == feedsync.LockProviderValkey {
		a.valkey, err = valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.Valkey.Addr},
			Password:    cfg.Valkey.Password,
			SelectDB:    cfg.Valkey.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect valkey %s: %w", cfg.Valkey.Addr, err)
		}
	}

	a.provider, err = factory.NewLockProvider(cfg, a.db, a.valkey)
	if err != nil {
		return nil, err
	}
	engineOpts := factory.Options{LockProvider: a.provider, Logger: zap.L()}
	if aopts.providers != nil {
		engineOpts.Providers = aopts.providers(a.pool)
	}
	a.engine, err = factory.NewEngine(ctx, cfg, a.pool, engineOpts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases held locks and closes every connection.
func (a *app) Close() {
	if closer, ok := a.provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			zap.S().Warnw("failed to close lock provider", "err", err)
		}
	}
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// createDatabasePool creates a PostgreSQL connection pool from config
func createDatabasePool(ctx context.Context, cfg feedsync.DatabaseConfig, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
