package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lychee-technology/feedsync"
	"go.uber.org/zap"
)

// HandlerFunc reacts to entity changes. It may be called more than once for the same entities.
type HandlerFunc func(ctx context.Context, ev feedsync.EntityChanged) error

// Registration ties an entity type to a handler. An empty EntityType receives every event.
type Registration struct {
	Name       string
	EntityType string
	Handler    HandlerFunc
}

// Bus dispatches EntityChanged events synchronously in the publisher's goroutine,
// in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []Registration
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.L()
	}
	return &Bus{logger: logger}
}

// Subscribe adds a handler.
func (b *Bus) Subscribe(reg Registration) {
	if reg.Handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, reg)
}

// Publish runs every matching handler. A failing handler does not stop the others;
// their errors are joined.
func (b *Bus) Publish(ctx context.Context, ev feedsync.EntityChanged) error {
	if len(ev.EntityIDs) == 0 {
		return nil
	}
	b.mu.RLock()
	subs := make([]Registration, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, reg := range subs {
		if reg.EntityType != "" && reg.EntityType != ev.EntityType {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := reg.Handler(ctx, ev); err != nil {
			b.logger.Sugar().Errorw("entity change handler failed",
				"handler", reg.Name, "entity_type", ev.EntityType, "kind", ev.Kind, "ids", len(ev.EntityIDs), "err", err)
			errs = append(errs, fmt.Errorf("handler %s: %w", reg.Name, err))
		}
	}
	return errors.Join(errs...)
}
