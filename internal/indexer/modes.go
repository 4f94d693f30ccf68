package indexer

import (
	"sync"

	"github.com/lychee-technology/feedsync"
)

// ModeRegistry reports whether a feed is indexed on save or on schedule.
type ModeRegistry struct {
	mu    sync.RWMutex
	modes map[string]feedsync.FeedMode
}

func NewModeRegistry() *ModeRegistry {
	return &ModeRegistry{modes: make(map[string]feedsync.FeedMode)}
}

func (r *ModeRegistry) Set(feed string, mode feedsync.FeedMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[feed] = mode
}

// Mode returns the execution mode of a feed; unknown feeds are indexed on save.
func (r *ModeRegistry) Mode(feed string) feedsync.FeedMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.modes[feed]; ok && m != "" {
		return m
	}
	return feedsync.FeedModeOnSave
}

func (r *ModeRegistry) IsScheduled(feed string) bool {
	return r.Mode(feed) == feedsync.FeedModeOnSchedule
}
