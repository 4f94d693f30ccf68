package lock

import (
	"context"
	"fmt"
	"os"

	"github.com/lychee-technology/feedsync"
	"github.com/lychee-technology/feedsync/internal/metrics"
	"go.uber.org/zap"
)

// Provider is a named, non-blocking mutual exclusion primitive.
type Provider interface {
	// TryAcquire returns false without waiting when the name is held elsewhere.
	TryAcquire(ctx context.Context, name string) (bool, error)
	// Release returns false when this process does not hold the name.
	Release(ctx context.Context, name string) (bool, error)
	// Held reports whether anyone holds the name.
	Held(ctx context.Context, name string) (bool, error)
}

// AnnotationStore records who holds a lock.
type AnnotationStore interface {
	Annotate(ctx context.Context, name, holder string) error
	Holder(ctx context.Context, name string) (string, bool, error)
	Clear(ctx context.Context, name string) error
}

// Manager guards feed runs with one lock per feed and keeps a best-effort holder annotation.
type Manager struct {
	provider    Provider
	annotations AnnotationStore
	logger      *zap.Logger
	hostname    func() (string, error)
	pid         func() int
}

func NewManager(provider Provider, annotations AnnotationStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		provider:    provider,
		annotations: annotations,
		logger:      logger,
		hostname:    os.Hostname,
		pid:         os.Getpid,
	}
}

var _ feedsync.LockManager = (*Manager)(nil)

// Lock tries to take the feed lock. A failed annotation is reported in the result only.
func (m *Manager) Lock(ctx context.Context, feed, lockedBy string) (feedsync.LockResult, error) {
	name := feedsync.LockName(feed)
	acquired, err := m.provider.TryAcquire(ctx, name)
	if err != nil {
		metrics.LockAttempts.WithLabelValues(feed, "error").Inc()
		return feedsync.LockResult{}, feedsync.NewFeedError(feedsync.ErrorTypeLock, feedsync.ErrCodeLockFailed,
			"acquire "+name).WithFeed(feed).WithCause(err)
	}
	if !acquired {
		metrics.LockAttempts.WithLabelValues(feed, "busy").Inc()
		return feedsync.LockResult{}, nil
	}
	metrics.LockAttempts.WithLabelValues(feed, "acquired").Inc()

	result := feedsync.LockResult{Acquired: true}
	if m.annotations == nil {
		return result, nil
	}
	if err := m.annotations.Annotate(ctx, name, m.holderLabel(lockedBy)); err != nil {
		m.logger.Sugar().Warnw("failed to annotate lock holder", "lock", name, "err", err)
		result.AnnotationErr = err
	}
	return result, nil
}

// Unlock releases the feed lock and clears its annotation.
func (m *Manager) Unlock(ctx context.Context, feed string) (bool, error) {
	name := feedsync.LockName(feed)
	released, err := m.provider.Release(ctx, name)
	if err != nil {
		return false, feedsync.NewFeedError(feedsync.ErrorTypeLock, feedsync.ErrCodeLockFailed,
			"release "+name).WithFeed(feed).WithCause(err)
	}
	if released && m.annotations != nil {
		if err := m.annotations.Clear(ctx, name); err != nil {
			m.logger.Sugar().Warnw("failed to clear lock holder", "lock", name, "err", err)
		}
	}
	return released, nil
}

func (m *Manager) IsLocked(ctx context.Context, feed string) (bool, error) {
	held, err := m.provider.Held(ctx, feedsync.LockName(feed))
	if err != nil {
		return false, feedsync.NewFeedError(feedsync.ErrorTypeLock, feedsync.ErrCodeLockFailed,
			"inspect "+feedsync.LockName(feed)).WithFeed(feed).WithCause(err)
	}
	return held, nil
}

// LockedBy returns the annotation of a held lock.
func (m *Manager) LockedBy(ctx context.Context, feed string) (string, bool, error) {
	held, err := m.IsLocked(ctx, feed)
	if err != nil || !held || m.annotations == nil {
		return "", false, err
	}
	return m.annotations.Holder(ctx, feedsync.LockName(feed))
}

func (m *Manager) holderLabel(lockedBy string) string {
	host, err := m.hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s (host %s, pid %d)", lockedBy, host, m.pid())
}
