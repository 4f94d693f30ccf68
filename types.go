package feedsync

import (
	"encoding/json"
	"time"
)

// SourceRow is the current state of one source entity as read by a SourceFetcher.
// Scope is empty for unscoped feeds.
type SourceRow struct {
	EntityID int64          `json:"entity_id"`
	Scope    string         `json:"scope,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// PendingUpdate is a serialized feed row waiting to be flushed to the feed table.
type PendingUpdate struct {
	FeedID         string          `json:"feed_id"`
	SourceEntityID int64           `json:"source_entity_id"`
	ScopeCode      string          `json:"scope_code,omitempty"`
	FeedData       json.RawMessage `json:"feed_data"`
	FeedHash       string          `json:"feed_hash"`
}

// Key identifies a pending update for deduplication.
func (p PendingUpdate) Key() PendingKey {
	return PendingKey{FeedID: p.FeedID, SourceEntityID: p.SourceEntityID}
}

// PendingKey is the deduplication key of a pending update.
type PendingKey struct {
	FeedID         string
	SourceEntityID int64
}

// FeedRow is a persisted feed row.
type FeedRow struct {
	FeedID         string           `json:"feed_id"`
	SourceEntityID int64            `json:"source_entity_id"`
	ScopeCode      string           `json:"scope_code,omitempty"`
	FeedData       json.RawMessage  `json:"feed_data"`
	FeedHash       string           `json:"feed_hash"`
	ModifiedAt     time.Time        `json:"modified_at"`
	IsDeleted      bool             `json:"is_deleted"`
	Status         ExportStatusCode `json:"status"`
	Errors         string           `json:"errors,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
}

// ChangeKind tells whether an entity was saved or deleted.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
)

// EntityChanged is published by the host application whenever entities of a type are saved or deleted.
type EntityChanged struct {
	EntityType string     `json:"entity_type"`
	EntityIDs  []int64    `json:"entity_ids"`
	Kind       ChangeKind `json:"kind"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// ReindexOptions controls a full reindex run.
type ReindexOptions struct {
	// Resume skips batches at or below the stored checkpoint of an interrupted run.
	Resume bool
}

// ReindexResult summarizes a reindex run.
type ReindexResult struct {
	Feed         string        `json:"feed"`
	Batches      int           `json:"batches"`
	Upserted     int64         `json:"upserted"`
	Removed      int64         `json:"removed"`
	SkippedBelow int64         `json:"skipped_below,omitempty"`
	Duration     time.Duration `json:"duration"`
}
