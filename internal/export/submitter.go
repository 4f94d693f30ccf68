package export

import (
	"context"
	"slices"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/feedstore"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"go.uber.org/zap"
)

// RowStore is the part of the feed store the submitter needs.
type RowStore interface {
	Retryable(ctx context.Context, meta *feedsync.FeedMetadata, after feedstore.Cursor, limit int) ([]feedsync.FeedRow, error)
	MarkStatus(ctx context.Context, meta *feedsync.FeedMetadata, feedIDs []string, status feedsync.ExportStatus) (int64, error)
}

// SubmitResult summarizes one submission run.
type SubmitResult struct {
	Feed      string         `json:"feed"`
	Batches   int            `json:"batches"`
	Attempted int            `json:"attempted"`
	Accepted  int            `json:"accepted"`
	Rejected  int            `json:"rejected"`
	Failed    int            `json:"failed"`
	Deferred  int            `json:"deferred"`
	Statuses  map[string]int `json:"statuses"`
}

// Submitter walks the retryable rows of a feed, publishes them and records the classified status.
type Submitter struct {
	store      RowStore
	publisher  Publisher
	policy     RetryPolicy
	breaker    *CircuitBreaker
	classifier feedsync.StatusProvider
	batchSize  int
	maxBatches int
	logger     *zap.Logger
	nowFunc    func() time.Time
}

type Option func(*Submitter)

func WithPolicy(p RetryPolicy) Option {
	return func(s *Submitter) {
		if p != nil {
			s.policy = p
		}
	}
}

func WithBreaker(cb *CircuitBreaker) Option {
	return func(s *Submitter) { s.breaker = cb }
}

// WithMaxBatches bounds the batches published per run; zero means until drained.
func WithMaxBatches(n int) Option {
	return func(s *Submitter) { s.maxBatches = max(n, 0) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSubmitter(store RowStore, publisher Publisher, batchSize int, opts ...Option) *Submitter {
	if batchSize <= 0 {
		batchSize = feedsync.DefaultBatchSize
	}
	s := &Submitter{
		store:     store,
		publisher: publisher,
		policy:    StatusPolicy{},
		batchSize: batchSize,
		logger:    zap.L(),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit publishes every retryable row of the feed once. A row is never attempted twice in a run.
// An open circuit breaker stops the run with ErrCircuitOpen; progress made before it is kept.
func (s *Submitter) Submit(ctx context.Context, meta *feedsync.FeedMetadata) (*SubmitResult, error) {
	feed := meta.FeedName()
	result := &SubmitResult{Feed: feed, Statuses: make(map[string]int)}
	var cursor feedstore.Cursor

	for s.maxBatches == 0 || result.Batches < s.maxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if s.breaker.IsOpen() {
			s.logger.Sugar().Warnw("circuit open, stopping submission", "feed", feed, "batches", result.Batches)
			return result, feedsync.NewFeedError(feedsync.ErrorTypeSubmission, feedsync.ErrCodeCircuitOpen,
				"downstream circuit is open").WithFeed(feed)
		}

		rows, err := s.store.Retryable(ctx, meta, cursor, s.batchSize)
		if err != nil {
			return result, err
		}
		if len(rows) == 0 {
			break
		}
		cursor = feedstore.After(rows[len(rows)-1])

		now := s.nowFunc()
		eligible := make([]feedsync.FeedRow, 0, len(rows))
		for _, row := range rows {
			if s.policy.Eligible(row, now) {
				eligible = append(eligible, row)
			}
		}
		result.Deferred += len(rows) - len(eligible)
		if len(eligible) == 0 {
			continue
		}

		result.Batches++
		if err := s.publishBatch(ctx, meta, eligible, result); err != nil {
			return result, err
		}
	}

	s.logger.Sugar().Infow("submission finished", "feed", feed, "batches", result.Batches,
		"accepted", result.Accepted, "rejected", result.Rejected, "failed", result.Failed, "deferred", result.Deferred)
	return result, nil
}

func (s *Submitter) publishBatch(ctx context.Context, meta *feedsync.FeedMetadata, rows []feedsync.FeedRow, result *SubmitResult) error {
	feed := meta.FeedName()
	outcome := s.publisher.Publish(ctx, feed, rows)
	status := s.classifier.Classify(outcome)
	result.Attempted += len(rows)

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.FeedID
	}

	if status.Code == feedsync.StatusFailedItemError {
		var rejected, accepted []string
		for i, id := range ids {
			if slices.Contains(status.FailedItems, i) {
				rejected = append(rejected, id)
			} else {
				accepted = append(accepted, id)
			}
		}
		if err := s.mark(ctx, meta, accepted, feedsync.ExportStatus{Code: feedsync.StatusSuccess}, result); err != nil {
			return err
		}
		if err := s.mark(ctx, meta, rejected, status, result); err != nil {
			return err
		}
	} else if err := s.mark(ctx, meta, ids, status, result); err != nil {
		return err
	}

	if status.IsSent() && status.Code < 500 {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
		s.logger.Sugar().Warnw("feed batch submission failed", "feed", feed, "status", status.String(), "rows", len(rows))
	}
	return nil
}

func (s *Submitter) mark(ctx context.Context, meta *feedsync.FeedMetadata, ids []string, status feedsync.ExportStatus, result *SubmitResult) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.store.MarkStatus(ctx, meta, ids, status); err != nil {
		return err
	}
	switch {
	case status.IsSuccess():
		result.Accepted += len(ids)
	case status.IsRetryable():
		result.Failed += len(ids)
	default:
		result.Rejected += len(ids)
	}
	result.Statuses[status.Code.String()] += len(ids)
	metrics.SubmissionStatus.WithLabelValues(meta.FeedName(), status.Code.String()).Add(float64(len(ids)))
	return nil
}
