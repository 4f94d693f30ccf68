package feedsync

import "strings"

const (
	DefaultBatchSize    = 100
	DefaultFeedKey      = "source_entity_id"
	DefaultFeedIdentity = "feed_id"
)

// FeedMetadataOptions are the inputs of NewFeedMetadata.
type FeedMetadataOptions struct {
	FeedName       string
	EntityType     string
	SourceTable    string
	SourceKey      string
	FeedTable      string
	FeedKey        string
	FeedIdentity   string
	ScopeTable     string
	ScopeField     string
	ScopeCode      string
	BatchSize      int
	IdentityType   string
	DeleteOnRemove bool
	ModifiedAt     string
	PayloadSchema  string
}

// FeedMetadata describes how one feed maps source rows onto feed rows.
// It is immutable once built.
type FeedMetadata struct {
	feedName       string
	entityType     string
	sourceTable    string
	sourceKey      string
	feedTable      string
	feedKey        string
	feedIdentity   string
	scopeTable     string
	scopeField     string
	scopeCode      string
	batchSize      int
	identityType   string
	deleteOnRemove bool
	modifiedAt     string
	payloadSchema  string
}

// NewFeedMetadata validates the options and returns the feed metadata.
func NewFeedMetadata(opts FeedMetadataOptions) (*FeedMetadata, error) {
	required := []struct {
		field string
		value string
	}{
		{"feed name", opts.FeedName},
		{"source table", opts.SourceTable},
		{"source key", opts.SourceKey},
		{"feed table", opts.FeedTable},
		{"feed key", opts.FeedKey},
		{"feed identity", opts.FeedIdentity},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, NewMetadataError(opts.FeedName, r.field+" is required").WithDetail("field", r.field)
		}
	}

	if opts.BatchSize < 0 {
		return nil, NewMetadataError(opts.FeedName, "batch size must be positive").WithDetail("batch_size", opts.BatchSize)
	}
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	scopeSet := 0
	for _, v := range []string{opts.ScopeTable, opts.ScopeField, opts.ScopeCode} {
		if strings.TrimSpace(v) != "" {
			scopeSet++
		}
	}
	if scopeSet != 0 && scopeSet != 3 {
		return nil, NewMetadataError(opts.FeedName, "scope table, scope field and scope code must be set together")
	}
	if scopeSet == 0 && opts.ScopeTable+opts.ScopeField+opts.ScopeCode != "" {
		return nil, NewMetadataError(opts.FeedName, "scope table, scope field and scope code must not be blank")
	}

	return &FeedMetadata{
		feedName:       opts.FeedName,
		entityType:     opts.EntityType,
		sourceTable:    opts.SourceTable,
		sourceKey:      opts.SourceKey,
		feedTable:      opts.FeedTable,
		feedKey:        opts.FeedKey,
		feedIdentity:   opts.FeedIdentity,
		scopeTable:     opts.ScopeTable,
		scopeField:     opts.ScopeField,
		scopeCode:      opts.ScopeCode,
		batchSize:      batchSize,
		identityType:   opts.IdentityType,
		deleteOnRemove: opts.DeleteOnRemove,
		modifiedAt:     opts.ModifiedAt,
		payloadSchema:  opts.PayloadSchema,
	}, nil
}

func (m *FeedMetadata) FeedName() string { return m.feedName }
func (m *FeedMetadata) EntityType() string { return m.entityType }
func (m *FeedMetadata) SourceTable() string { return m.sourceTable }
func (m *FeedMetadata) SourceKey() string { return m.sourceKey }
func (m *FeedMetadata) FeedTable() string { return m.feedTable }
func (m *FeedMetadata) FeedKey() string { return m.feedKey }
func (m *FeedMetadata) FeedIdentity() string { return m.feedIdentity }
func (m *FeedMetadata) ScopeTable() string { return m.scopeTable }
func (m *FeedMetadata) ScopeField() string { return m.scopeField }
func (m *FeedMetadata) ScopeCode() string { return m.scopeCode }
func (m *FeedMetadata) BatchSize() int { return m.batchSize }
func (m *FeedMetadata) IdentityType() string { return m.identityType }
func (m *FeedMetadata) DeleteOnRemove() bool { return m.deleteOnRemove }
func (m *FeedMetadata) ModifiedAtColumn() string { return m.modifiedAt }
func (m *FeedMetadata) PayloadSchema() string { return m.payloadSchema }

// IsScoped reports whether feed rows are partitioned by a scope code.
func (m *FeedMetadata) IsScoped() bool { return m.scopeTable != "" }

// UsesIdentity reports whether feed identities are derived from registry uuids.
func (m *FeedMetadata) UsesIdentity() bool { return m.identityType != "" }

// LockName returns the name of the lock guarding this feed.
func (m *FeedMetadata) LockName() string { return LockName(m.feedName) }

// LockName returns the named lock of a feed.
func LockName(feed string) string { return "feed_sync_" + feed }

// FeedID renders the identity of a feed row: the base identity, suffixed by "/<scope>" when scoped.
func FeedID(base, scope string) string {
	if scope == "" {
		return base
	}
	return base + "/" + scope
}
