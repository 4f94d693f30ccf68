package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/health"
	"github.com/lychee-technology/feedsync/internal/schema"
)

type initDBOptions struct {
	configPath string
	host       string
	port       int
	database   string
	user       string
	password   string
	sslMode    string
	dryRun     bool
}

func parseInitDBFlags(args []string, out io.Writer) (initDBOptions, error) {
	flags := flag.NewFlagSet("init-db", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.Usage = func() {
		fmt.Fprintln(out, "Usage: feedsync-tools init-db [options]")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Options:")
		flags.PrintDefaults()
	}

	opts := initDBOptions{}
	flags.StringVar(&opts.configPath, "config", getenvDefault("FEEDSYNC_CONFIG", "feedsync.yaml"), "feed configuration file")
	flags.StringVar(&opts.host, "db-host", "", "database host (overrides the configuration)")
	flags.IntVar(&opts.port, "db-port", 0, "database port (overrides the configuration)")
	flags.StringVar(&opts.database, "db-name", "", "database name (overrides the configuration)")
	flags.StringVar(&opts.user, "db-user", "", "database user (overrides the configuration)")
	flags.StringVar(&opts.password, "db-password", "", "database password (overrides the configuration)")
	flags.StringVar(&opts.sslMode, "db-ssl-mode", "", "database sslmode (overrides the configuration)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print the DDL instead of executing it")

	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func runInitDB(args []string) error {
	opts, err := parseInitDBFlags(args, os.Stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := feedsync.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyDatabaseOverrides(&cfg.Database, opts)

	stmts, err := configStatements(cfg)
	if err != nil {
		return err
	}
	if opts.dryRun {
		return printStatements(os.Stdout, stmts)
	}
	if err := health.ValidatePostgresConfig(cfg.Database); err != nil {
		return err
	}
	ctx := context.Background()
	if err := health.PostgresHealthCheck(ctx, cfg.Database.DSN(), cfg.Database.Timeout); err != nil {
		return fmt.Errorf("database is not reachable: %w", err)
	}
	return initDatabase(ctx, cfg.Database.DSN(), stmts)
}

func applyDatabaseOverrides(db *feedsync.DatabaseConfig, opts initDBOptions) {
	if opts.host != "" {
		db.Host = opts.host
	}
	if opts.port != 0 {
		db.Port = opts.port
	}
	if opts.database != "" {
		db.Database = opts.database
	}
	if opts.user != "" {
		db.Username = opts.user
	}
	if opts.password != "" {
		db.Password = opts.password
	}
	if opts.sslMode != "" {
		db.SSLMode = opts.sslMode
	}
}

// configStatements renders the DDL of the engine tables and of every configured feed table.
func configStatements(cfg *feedsync.Config) ([]schema.Statement, error) {
	metas := make([]*feedsync.FeedMetadata, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		meta, err := cfg.FeedMetadata(feed)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return schema.Statements(cfg.Database.TableNames, metas), nil
}

func printStatements(w io.Writer, stmts []schema.Statement) error {
	for _, stmt := range stmts {
		if _, err := fmt.Fprintf(w, "-- %s\n%s;\n\n", stmt.Name, stmt.SQL); err != nil {
			return err
		}
	}
	return nil
}

func initDatabase(ctx context.Context, connString string, stmts []schema.Statement) error {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := withTx(ctx, conn, func(tx pgx.Tx) error {
		return schema.Apply(ctx, tx, stmts)
	}); err != nil {
		return err
	}

	for _, stmt := range stmts {
		fmt.Printf("Ensured %s\n", stmt.Name)
	}
	fmt.Println("Database initialized successfully.")
	return nil
}

func withTx(ctx context.Context, conn *pgxpool.Conn, fn func(pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w; rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
