package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	_, first := bus.Subscribe()
	_, second := bus.Subscribe()

	bus.Publish(EventTopology, "llama", map[string]int{"nodes": 2})

	for _, ch := range []<-chan Event{first, second} {
		event := <-ch
		assert.Equal(t, EventTopology, event.Type)
		assert.Equal(t, "llama", event.Model)
		assert.NotZero(t, event.Timestamp)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(EventNodeLeft, "llama", nil)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	_, ch := bus.Subscribe()

	for i := 0; i < 200; i++ {
		bus.Publish(EventNodeStatus, "llama", i)
	}
	// The buffer bounds what a stalled subscriber can accumulate.
	require.LessOrEqual(t, len(ch), 64)
}
