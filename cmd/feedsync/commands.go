package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/cdc"
	"github.com/lychee-technology/feedsync/internal/export"
	"github.com/lychee-technology/feedsync/internal/health"
	"github.com/lychee-technology/feedsync/internal/resolver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewReindexCommand creates the full reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		resume   bool
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "reindex <feed>",
		Short: "Reindex every entity of a feed and sweep removed rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := args[0]
			if (from == "") != (to == "") {
				return fmt.Errorf("--from and --to must be given together")
			}
			aopts := appOptions{}
			if from != "" {
				aopts.providers = func(pool *pgxpool.Pool) map[string]resolver.EntityIdsProvider {
					return map[string]resolver.EntityIdsProvider{feed: resolver.NewDateRangeProvider(pool, from, to)}
				}
			}
			a, err := openApp(cmd.Context(), rootOpts, aopts)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Runner.FullReindex(cmd.Context(), feed, feedsync.ReindexOptions{Resume: resume})
			if result != nil {
				_ = printJSON(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "skip ids at or below the checkpoint of an interrupted run")
	cmd.Flags().StringVar(&from, "from", "", "only entities modified at or after this timestamp")
	cmd.Flags().StringVar(&to, "to", "", "only entities modified before this timestamp")
	return cmd
}

// NewReindexListCommand creates the targeted reindex command.
func NewReindexListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex-list <feed> <id>...",
		Short: "Reindex the given entity ids of a feed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Runner.ReindexList(cmd.Context(), args[0], ids)
			if result != nil {
				_ = printJSON(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

// NewRunScheduledCommand creates the command draining the change log of scheduled feeds.
func NewRunScheduledCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-scheduled [feed...]",
		Short: "Reindex the queued changes of scheduled feeds",
		Long:  "Reindex the queued changes of the named feeds, or of every feed in on_schedule mode when none is named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := runScheduled(cmd.Context(), a, args)
			_ = printJSON(cmd.OutOrStdout(), results)
			return err
		},
	}
}

func runScheduled(ctx context.Context, a *app, feeds []string) ([]*feedsync.ReindexResult, error) {
	if len(feeds) == 0 {
		feeds = scheduledFeeds(a)
	}
	var (
		results []*feedsync.ReindexResult
		errs    []error
	)
	for _, feed := range feeds {
		result, err := a.engine.Runner.RunScheduled(ctx, feed)
		if err != nil {
			zap.S().Errorw("scheduled run failed", "feed", feed, "err", err)
			errs = append(errs, err)
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, errors.Join(errs...)
}

func scheduledFeeds(a *app) []string {
	var feeds []string
	for _, feed := range a.engine.Runner.Feeds() {
		if a.engine.Modes.IsScheduled(feed) {
			feeds = append(feeds, feed)
		}
	}
	return feeds
}

// NewSubmitCommand creates the downstream submission command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <feed>",
		Short: "Publish pending feed rows to the downstream stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := args[0]
			a, err := openApp(cmd.Context(), rootOpts, appOptions{withValkey: true})
			if err != nil {
				return err
			}
			defer a.Close()

			meta, err := a.engine.Metadata(feed)
			if err != nil {
				return err
			}
			submitter := a.engine.Submitter(export.NewStreamPublisher(a.valkey, a.cfg.Export.StreamPrefix))
			var result *export.SubmitResult
			err = a.engine.Runner.Guard(cmd.Context(), feed, func(ctx context.Context) error {
				var err error
				result, err = submitter.Submit(ctx, meta)
				return err
			})
			if result != nil {
				_ = printJSON(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

// NewSnapshotCommand creates the parquet snapshot export command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "snapshot [feed...]",
		Short: "Export rows modified since the last snapshot to parquet in S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := health.ValidateSnapshotConfig(a.cfg.Snapshot); err != nil {
				return err
			}
			metas, err := selectMetadata(a, args)
			if err != nil {
				return err
			}

			accessKey, secret := "", ""
			if a.awsCfg.Credentials != nil {
				creds, err := a.awsCfg.Credentials.Retrieve(ctx)
				if err != nil {
					zap.S().Warnw("failed to retrieve aws credentials for duckdb", "err", err)
				} else {
					accessKey, secret = creds.AccessKeyID, creds.SecretAccessKey
				}
			}
			duck, err := cdc.NewDuckExporter(ctx, a.cfg.Snapshot, accessKey, secret, zap.L())
			if err != nil {
				return err
			}
			defer duck.Close()

			flusher := &cdc.Flusher{
				Pool:         a.pool,
				Locks:        a.engine.Locks,
				Checkpoints:  a.engine.Checkpoints,
				Duck:         duck,
				Objects:      cdc.NewS3Objects(cdc.NewS3Client(a.awsCfg, a.cfg.Snapshot)),
				Config:       a.cfg.Snapshot,
				PGConnString: a.dsn,
				LockedBy:     a.cfg.Sync.LockedBy,
				DryRun:       dryRun,
				Logger:       zap.L(),
			}
			return printJSON(cmd.OutOrStdout(), flusher.RunOnce(ctx, metas))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "export without advancing the watermark")
	return cmd
}

func selectMetadata(a *app, feeds []string) ([]*feedsync.FeedMetadata, error) {
	if len(feeds) == 0 {
		return a.engine.AllMetadata(), nil
	}
	metas := make([]*feedsync.FeedMetadata, 0, len(feeds))
	for _, feed := range feeds {
		meta, err := a.engine.Metadata(feed)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// NewShowCommand prints the stored feed rows of one entity, or one row by its feed id.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	var feedID string
	cmd := &cobra.Command{
		Use:   "show <feed> [entity-id]",
		Short: "Print stored feed rows",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 2) == (feedID != "") {
				return fmt.Errorf("give either an entity id or --feed-id")
			}
			var entityID int64
			if len(args) == 2 {
				ids, err := parseIDs(args[1:])
				if err != nil {
					return err
				}
				entityID = ids[0]
			}
			a, err := openApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			meta, err := a.engine.Metadata(args[0])
			if err != nil {
				return err
			}
			if feedID != "" {
				row, err := a.engine.Store.Get(cmd.Context(), meta, feedID)
				if err != nil {
					return err
				}
				if row == nil {
					return fmt.Errorf("feed %s has no row %q", args[0], feedID)
				}
				return printJSON(cmd.OutOrStdout(), row)
			}
			rows, err := a.engine.Store.ListByEntity(cmd.Context(), meta, entityID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&feedID, "feed-id", "", "look up a single row by its feed identity")
	return cmd
}

// NewLockCommand creates the lock inspection commands.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect feed locks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [feed...]",
		Short: "Show which feeds are locked and by whom",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			feeds := args
			if len(feeds) == 0 {
				feeds = a.engine.Runner.Feeds()
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FEED\tLOCKED\tLOCKED BY")
			for _, feed := range feeds {
				status, err := lockStatus(cmd.Context(), a.engine.Locks, feed)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\n", status.Feed, status.Locked, status.LockedBy)
			}
			return tw.Flush()
		},
	})
	return cmd
}

// LockStatus is the observable state of one feed lock.
type LockStatus struct {
	Feed     string `json:"feed"`
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

func lockStatus(ctx context.Context, locks feedsync.LockManager, feed string) (LockStatus, error) {
	status := LockStatus{Feed: feed}
	locked, err := locks.IsLocked(ctx, feed)
	if err != nil {
		return status, err
	}
	status.Locked = locked
	if locked {
		holder, _, err := locks.LockedBy(ctx, feed)
		if err != nil {
			return status, err
		}
		status.LockedBy = holder
	}
	return status, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entity id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
