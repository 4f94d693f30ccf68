package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/lychee-technology/feedsync"
	"github.com/valkey-io/valkey-go"
)

// Publisher delivers feed rows downstream and reports what happened.
type Publisher interface {
	Publish(ctx context.Context, feed string, rows []feedsync.FeedRow) feedsync.PublishOutcome
}

// Message is the stream entry of one feed row.
type Message struct {
	FeedID         string          `json:"feed_id"`
	SourceEntityID int64           `json:"source_entity_id"`
	ScopeCode      string          `json:"scope_code,omitempty"`
	IsDeleted      bool            `json:"is_deleted"`
	ModifiedAt     time.Time       `json:"modified_at"`
	FeedData       json.RawMessage `json:"feed_data,omitempty"`
}

// StreamPublisher appends feed rows to a Valkey stream named <prefix><feed>, one entry per row.
type StreamPublisher struct {
	client valkey.Client
	prefix string
}

func NewStreamPublisher(client valkey.Client, prefix string) *StreamPublisher {
	return &StreamPublisher{client: client, prefix: prefix}
}

func (p *StreamPublisher) Stream(feed string) string { return p.prefix + feed }

// Publish sends every row in one pipeline. Entries the server rejects are reported as failed items;
// when nothing gets through the outcome is a 503.
func (p *StreamPublisher) Publish(ctx context.Context, feed string, rows []feedsync.FeedRow) feedsync.PublishOutcome {
	if len(rows) == 0 {
		return feedsync.PublishOutcome{Skipped: true}
	}

	cmds := make(valkey.Commands, 0, len(rows))
	index := make([]int, 0, len(rows))
	var failed []int
	for i, row := range rows {
		msg := Message{
			FeedID:         row.FeedID,
			SourceEntityID: row.SourceEntityID,
			ScopeCode:      row.ScopeCode,
			IsDeleted:      row.IsDeleted,
			ModifiedAt:     row.ModifiedAt,
		}
		if !row.IsDeleted {
			msg.FeedData = row.FeedData
		}
		data, err := json.Marshal(msg)
		if err != nil {
			failed = append(failed, i)
			continue
		}
		cmds = append(cmds, p.client.B().Xadd().Key(p.Stream(feed)).Id("*").
			FieldValue().FieldValue("feed_id", row.FeedID).FieldValue("data", string(data)).Build())
		index = append(index, i)
	}
	if len(cmds) == 0 {
		return feedsync.PublishOutcome{Err: fmt.Errorf("no publishable rows in batch of %d", len(rows))}
	}

	var lastErr error
	for j, resp := range p.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			failed = append(failed, index[j])
			lastErr = err
		}
	}
	slices.Sort(failed)
	if len(failed) == len(rows) {
		return feedsync.PublishOutcome{HTTPStatus: http.StatusServiceUnavailable, Err: fmt.Errorf("xadd %s: %w", p.Stream(feed), lastErr)}
	}
	return feedsync.PublishOutcome{HTTPStatus: http.StatusOK, FailedItems: failed}
}
