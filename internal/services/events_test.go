package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(EventSyncStarted, "op-1")

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSyncStarted, ev.Kind)
			assert.Equal(t, "op-1", ev.Data)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic
	bus.Publish(EventBatchCreated, nil)

	// A second cancel is harmless
	cancel()
}

func TestEventBusDropsForLaggingSubscriber(t *testing.T) {
	bus := NewEventBus()
	slow, cancelSlow := bus.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(8)
	defer cancelFast()

	for i := 0; i < 5; i++ {
		bus.Publish(EventBatchProgress, i)
	}

	// The slow subscriber keeps only what its buffer held
	require.Len(t, slow, 1)
	ev := <-slow
	assert.Equal(t, 0, ev.Data)

	// The fast subscriber saw everything
	assert.Len(t, fast, 5)
}
