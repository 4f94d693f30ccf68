package export

import (
	"time"

	"github.com/lychee-technology/feedsync"
)

// RetryPolicy decides whether a row selected for submission is attempted in this run.
type RetryPolicy interface {
	Eligible(row feedsync.FeedRow, now time.Time) bool
}

// StatusPolicy attempts every row whose stored status is retryable.
type StatusPolicy struct{}

func (StatusPolicy) Eligible(row feedsync.FeedRow, _ time.Time) bool {
	return row.Status.IsRetryable()
}

// CooldownPolicy waits Cooldown after a request that reached the downstream before trying
// the same row again. Rows that were never sent are always eligible.
type CooldownPolicy struct {
	Cooldown time.Duration
}

func (p CooldownPolicy) Eligible(row feedsync.FeedRow, now time.Time) bool {
	if !row.Status.IsRetryable() {
		return false
	}
	if row.SentAt == nil || !row.Status.IsSent() {
		return true
	}
	return !now.Before(row.SentAt.Add(p.Cooldown))
}
