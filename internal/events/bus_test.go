package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe(EventClusterPromoted, "test", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), Event{
		Type:    EventClusterPromoted,
		Source:  "master",
		Payload: ClusterPayload{ConnectionID: 3, Name: "alpha"},
	})

	select {
	case e := <-got:
		assert.Equal(t, "master", e.Source)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, "alpha", e.Payload.(ClusterPayload).Name)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmitSyncRecoversAndReportsErrors(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "panics", func(context.Context, Event) error {
		calls.Add(1)
		panic("bad handler")
	})
	bus.Subscribe(EventShutdown, "fails", func(context.Context, Event) error {
		calls.Add(1)
		return boom
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeAllAndUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.SubscribeAll("stream", func(context.Context, Event) error { return nil })
	for _, typ := range AllTypes {
		assert.Equal(t, 1, bus.HandlerCount(typ))
	}

	bus.UnsubscribeAll("stream")
	for _, typ := range AllTypes {
		assert.Equal(t, 0, bus.HandlerCount(typ))
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "count", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))
	assert.Equal(t, int32(0), calls.Load())
}
