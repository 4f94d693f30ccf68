package batch

import "github.com/lychee-technology/feedsync"

// IndexStateProvider accumulates pending feed updates and hands them out in fixed-size batches.
// Updates are deduplicated by (feed id, source entity id); re-adding a key replaces its payload
// but keeps its original queue position. It is not safe for concurrent use.
type IndexStateProvider struct {
	batchSize int
	order     []feedsync.PendingKey
	pending   map[feedsync.PendingKey]feedsync.PendingUpdate
}

func NewIndexStateProvider(batchSize int) *IndexStateProvider {
	if batchSize <= 0 {
		batchSize = feedsync.DefaultBatchSize
	}
	return &IndexStateProvider{
		batchSize: batchSize,
		pending:   make(map[feedsync.PendingKey]feedsync.PendingUpdate),
	}
}

// BatchSize returns the dequeue size.
func (p *IndexStateProvider) BatchSize() int { return p.batchSize }

// AddUpdates queues updates.
func (p *IndexStateProvider) AddUpdates(updates ...feedsync.PendingUpdate) {
	for _, u := range updates {
		key := u.Key()
		if _, exists := p.pending[key]; !exists {
			p.order = append(p.order, key)
		}
		p.pending[key] = u
	}
}

// FeedItems removes and returns min(batchSize, Len()) updates in first-insertion order.
func (p *IndexStateProvider) FeedItems() []feedsync.PendingUpdate {
	n := min(p.batchSize, len(p.order))
	if n == 0 {
		return nil
	}
	out := make([]feedsync.PendingUpdate, 0, n)
	for _, key := range p.order[:n] {
		out = append(out, p.pending[key])
		delete(p.pending, key)
	}
	p.order = append(p.order[:0:0], p.order[n:]...)
	return out
}

// IsBatchLimitReached reports whether a full batch is waiting.
func (p *IndexStateProvider) IsBatchLimitReached() bool {
	return len(p.order) >= p.batchSize
}

// Len returns the number of pending updates.
func (p *IndexStateProvider) Len() int {
	return len(p.order)
}
