package events

import (
	"context"
	"errors"
	"testing"

	"github.com/lychee-technology/feedsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDispatchesInOrderByEntityType(t *testing.T) {
	bus := NewBus(nil)
	var calls []string
	record := func(name string) HandlerFunc {
		return func(_ context.Context, ev feedsync.EntityChanged) error {
			calls = append(calls, name+":"+ev.EntityType)
			return nil
		}
	}
	bus.Subscribe(Registration{Name: "products", EntityType: "product", Handler: record("products")})
	bus.Subscribe(Registration{Name: "all", Handler: record("all")})
	bus.Subscribe(Registration{Name: "categories", EntityType: "category", Handler: record("categories")})

	require.NoError(t, bus.Publish(context.Background(), feedsync.EntityChanged{EntityType: "product", EntityIDs: []int64{1}}))
	assert.Equal(t, []string{"products:product", "all:product"}, calls)
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	bus := NewBus(nil)
	boom := errors.New("boom")
	ran := 0
	bus.Subscribe(Registration{Name: "first", Handler: func(context.Context, feedsync.EntityChanged) error { return boom }})
	bus.Subscribe(Registration{Name: "second", Handler: func(context.Context, feedsync.EntityChanged) error { ran++; return nil }})

	err := bus.Publish(context.Background(), feedsync.EntityChanged{EntityType: "product", EntityIDs: []int64{7}})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "handler first")
	assert.Equal(t, 1, ran)
}

func TestPublishIgnoresEmptyEvents(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(Registration{Name: "never", Handler: func(context.Context, feedsync.EntityChanged) error {
		t.Fatal("handler must not run")
		return nil
	}})
	assert.NoError(t, bus.Publish(context.Background(), feedsync.EntityChanged{EntityType: "product"}))
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(Registration{Name: "never", Handler: func(context.Context, feedsync.EntityChanged) error {
		t.Fatal("handler must not run")
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, feedsync.EntityChanged{EntityType: "product", EntityIDs: []int64{1}})
	assert.ErrorIs(t, err, context.Canceled)
}
