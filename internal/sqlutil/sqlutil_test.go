package sqlutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "plain", input: "catalog_product_feed", expected: `"catalog_product_feed"`},
		{name: "schema qualified", input: "public.catalog_product_entity", expected: `"public"."catalog_product_entity"`},
		{name: "trim quotes and spaces", input: `  "a" . "b" .. "c"  `, expected: pgx.Identifier{"a", "b", "c"}.Sanitize()},
		{name: "all empty parts fallback", input: "...", expected: pgx.Identifier{"..."}.Sanitize()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeIdentifier(tt.input))
		})
	}
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'plain'", QuoteLiteral("plain"))
	assert.Equal(t, "'pa''ss'", QuoteLiteral("pa'ss"))
}

func TestToUUID(t *testing.T) {
	u := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	cases := []struct {
		name string
		in   any
		ok   bool
	}{
		{name: "uuid", in: u, ok: true},
		{name: "pointer", in: &u, ok: true},
		{name: "array", in: [16]byte(u), ok: true},
		{name: "string", in: u.String(), ok: true},
		{name: "raw bytes", in: u[:], ok: true},
		{name: "text bytes", in: []byte(u.String()), ok: true},
		{name: "bad string", in: "nope", ok: false},
		{name: "unsupported", in: 42, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToUUID(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, u, got)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5, 6, 7}
	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 5, 6}, {7}}, Chunk(ids, 3))
	assert.Equal(t, [][]int64{{1, 2, 3, 4, 5, 6, 7}}, Chunk(ids, 10))
	assert.Nil(t, Chunk(nil, 3))
	assert.Nil(t, Chunk(ids, 0))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []int64{4, 5}, Dedupe([]int64{4, 4, 5, 4, 5, 5}))
	assert.Empty(t, Dedupe(nil))
}
