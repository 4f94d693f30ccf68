package indexer

import (
	"testing"

	"github.com/lychee-technology/feedsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productSchema = `{
  "type": "object",
  "required": ["sku"],
  "properties": {
    "sku": {"type": "string"},
    "price": {"type": "number"}
  }
}`

func TestJSONSerializerAddsScope(t *testing.T) {
	s, err := NewJSONSerializer("")
	require.NoError(t, err)
	meta := testMeta(t, feedsync.FeedMetadataOptions{})

	data, err := s.Serialize(meta, feedsync.SourceRow{EntityID: 1, Scope: "fr", Fields: map[string]any{"sku": "A"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"A","scope":"fr"}`, string(data))

	data, err = s.Serialize(meta, feedsync.SourceRow{EntityID: 1, Fields: map[string]any{"sku": "A"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"A"}`, string(data))
}

func TestJSONSerializerValidatesSchema(t *testing.T) {
	s, err := NewJSONSerializer(productSchema)
	require.NoError(t, err)
	meta := testMeta(t, feedsync.FeedMetadataOptions{})

	_, err = s.Serialize(meta, feedsync.SourceRow{EntityID: 1, Fields: map[string]any{"sku": "A", "price": 9.5}})
	require.NoError(t, err)

	_, err = s.Serialize(meta, feedsync.SourceRow{EntityID: 2, Fields: map[string]any{"price": 9.5}})
	var feedErr *feedsync.FeedError
	require.ErrorAs(t, err, &feedErr)
	assert.Equal(t, feedsync.ErrCodePayloadInvalid, feedErr.Code)
	assert.Contains(t, feedErr.Message, "entity 2")
}

func TestJSONSerializerReportsUnmarshalableField(t *testing.T) {
	s, err := NewJSONSerializer("")
	require.NoError(t, err)

	_, err = s.Serialize(testMeta(t, feedsync.FeedMetadataOptions{}),
		feedsync.SourceRow{EntityID: 3, Fields: map[string]any{"ch": make(chan int)}})
	var feedErr *feedsync.FeedError
	require.ErrorAs(t, err, &feedErr)
	assert.Equal(t, feedsync.ErrCodeSerializationFailed, feedErr.Code)
}

func TestNewJSONSerializerRejectsBrokenSchema(t *testing.T) {
	_, err := NewJSONSerializer(`{"type":`)
	assert.Error(t, err)
}

func TestPayloadHashIsStableAcrossFieldOrder(t *testing.T) {
	s, err := NewJSONSerializer("")
	require.NoError(t, err)
	meta := testMeta(t, feedsync.FeedMetadataOptions{})

	a, err := s.Serialize(meta, feedsync.SourceRow{Fields: map[string]any{"sku": "A", "name": "Shirt"}})
	require.NoError(t, err)
	b, err := s.Serialize(meta, feedsync.SourceRow{Fields: map[string]any{"name": "Shirt", "sku": "A"}})
	require.NoError(t, err)
	c, err := s.Serialize(meta, feedsync.SourceRow{Fields: map[string]any{"name": "Shirt", "sku": "B"}})
	require.NoError(t, err)

	assert.Equal(t, PayloadHash(a), PayloadHash(b))
	assert.NotEqual(t, PayloadHash(a), PayloadHash(c))
}
