package feedsync

import (
	"context"

	"github.com/google/uuid"
)

// IdentityRegistry assigns stable uuids to (entity id, type) pairs.
type IdentityRegistry interface {
	Assign(ctx context.Context, entityID int64, entityType string) (uuid.UUID, error)
	AssignBulk(ctx context.Context, entityIDs []int64, entityType string) (map[int64]uuid.UUID, error)
	IsAssigned(ctx context.Context, entityID int64, entityType string) (bool, error)
}

// RemovalMarker reconciles feed rows against the current source set.
type RemovalMarker interface {
	// Execute tombstones (or deletes) the feed rows of ids that left the source or their scope.
	Execute(ctx context.Context, ids []int64, meta *FeedMetadata) (int64, error)
	// Sweep reconciles every live feed row of the feed.
	Sweep(ctx context.Context, meta *FeedMetadata) (int64, error)
}

// LockResult is the outcome of a lock attempt. A failed holder annotation never fails the acquisition.
type LockResult struct {
	Acquired      bool
	AnnotationErr error
}

// LockManager guards feed runs with one named, non-blocking lock per feed.
type LockManager interface {
	Lock(ctx context.Context, feed, lockedBy string) (LockResult, error)
	Unlock(ctx context.Context, feed string) (bool, error)
	IsLocked(ctx context.Context, feed string) (bool, error)
	LockedBy(ctx context.Context, feed string) (string, bool, error)
}
