package indexer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/feedsync"
)

// Serializer turns a source row into the feed payload.
type Serializer interface {
	Serialize(meta *feedsync.FeedMetadata, row feedsync.SourceRow) (json.RawMessage, error)
}

// JSONSerializer marshals the source fields as a JSON object, validated against an optional schema.
type JSONSerializer struct {
	schema *jsonschema.Resolved
}

// NewJSONSerializer compiles the payload schema when one is given.
func NewJSONSerializer(schemaJSON string) (*JSONSerializer, error) {
	s := &JSONSerializer{}
	if schemaJSON == "" {
		return s, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payload schema: %w", err)
	}
	s.schema = resolved
	return s, nil
}

func (s *JSONSerializer) Serialize(meta *feedsync.FeedMetadata, row feedsync.SourceRow) (json.RawMessage, error) {
	payload := make(map[string]any, len(row.Fields)+1)
	for k, v := range row.Fields {
		payload[k] = v
	}
	if row.Scope != "" {
		payload["scope"] = row.Scope
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, feedsync.NewFeedError(feedsync.ErrorTypeBatch, feedsync.ErrCodeSerializationFailed,
			fmt.Sprintf("marshal entity %d", row.EntityID)).WithFeed(meta.FeedName()).WithCause(err)
	}
	if err := s.Validate(data); err != nil {
		return nil, feedsync.NewFeedError(feedsync.ErrorTypeBatch, feedsync.ErrCodePayloadInvalid,
			fmt.Sprintf("payload of entity %d does not match schema", row.EntityID)).WithFeed(meta.FeedName()).WithCause(err)
	}
	return data, nil
}

// Validate checks an encoded payload against the schema. Without a schema every payload is valid.
func (s *JSONSerializer) Validate(data []byte) error {
	if s.schema == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return s.schema.Validate(decoded)
}

// PayloadHash fingerprints a serialized payload. encoding/json sorts map keys, so equal
// payloads hash equally.
func PayloadHash(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
