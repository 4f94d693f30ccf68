package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/cdc"
	"github.com/lychee-technology/feedsync/internal/health"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// AdminServer serves health, metrics and lock inspection routes.
type AdminServer struct {
	checker  *health.Checker
	locks    feedsync.LockManager
	feeds    func() []string
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewAdminServer creates the admin server. feeds lists the registered feed names; a nil gatherer
// disables the metrics route.
func NewAdminServer(checker *health.Checker, locks feedsync.LockManager, feeds func() []string, gatherer prometheus.Gatherer, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.L()
	}
	return &AdminServer{checker: checker, locks: locks, feeds: feeds, gatherer: gatherer, logger: logger}
}

// Router registers all admin routes.
func (s *AdminServer) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/feeds", func(r chi.Router) {
		r.Get("/", s.handleFeeds)
		r.Get("/{feed}/lock", s.handleLock)
	})
	return r
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Run(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		s.logger.Sugar().Warnw("health check failed", "checks", report.Checks)
	}
	_ = writeJSON(w, status, report)
}

func (s *AdminServer) handleFeeds(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string][]string{"feeds": s.feeds()})
}

func (s *AdminServer) handleLock(w http.ResponseWriter, r *http.Request) {
	feed := chi.URLParam(r, "feed")
	if !s.known(feed) {
		_ = writeError(w, http.StatusNotFound, feedsync.NewFeedNotRegisteredError(feed).Error())
		return
	}
	status, err := lockStatus(r.Context(), s.locks, feed)
	if err != nil {
		s.logger.Sugar().Errorw("failed to inspect feed lock", "feed", feed, "err", err)
		_ = writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = writeJSON(w, http.StatusOK, status)
}

func (s *AdminServer) known(feed string) bool {
	for _, name := range s.feeds() {
		if name == feed {
			return true
		}
	}
	return false
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, map[string]string{"error": message})
}

// NewServeCommand creates the admin server command, optionally draining scheduled feeds on an interval.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var scheduleEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and lock routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, rootOpts, appOptions{withValkey: true})
			if err != nil {
				return err
			}
			defer a.Close()

			var gatherer prometheus.Gatherer
			if a.cfg.Metrics.Enabled {
				reg := prometheus.NewRegistry()
				if err := metrics.Register(reg); err != nil {
					return err
				}
				gatherer = reg
			}
			admin := NewAdminServer(newChecker(a), a.engine.Locks, a.engine.Runner.Feeds, gatherer, zap.L())
			srv := &http.Server{
				Addr:              a.cfg.Admin.Addr,
				Handler:           admin.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if scheduleEvery > 0 {
				go runSchedule(ctx, a, scheduleEvery)
			}

			errCh := make(chan error, 1)
			go func() {
				zap.S().Infow("starting admin server", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&scheduleEvery, "schedule-interval", 0, "drain the change log of scheduled feeds on this interval (0 disables)")
	return cmd
}

func newChecker(a *app) *health.Checker {
	checker := health.NewChecker(a.cfg.Database.Timeout)
	checker.Register("postgres", health.PoolCheck(a.pool))
	if a.valkey != nil {
		checker.Register("valkey", health.ValkeyCheck(a.valkey))
	}
	if a.cfg.Snapshot.Enabled {
		checker.Register("s3", health.S3BucketCheck(cdc.NewS3Client(a.awsCfg, a.cfg.Snapshot), a.cfg.Snapshot.S3Bucket))
	}
	return checker
}

func runSchedule(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := runScheduled(ctx, a, nil); err != nil {
				zap.S().Warnw("scheduled drain finished with errors", "err", err)
			}
		}
	}
}
