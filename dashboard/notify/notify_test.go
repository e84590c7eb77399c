package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster()

	var got []StateChange
	cancel := b.Subscribe(func(c StateChange) { got = append(got, c) })
	defer cancel()

	b.Publish(StateChange{Kind: EntityTask, EntityID: "t1"})
	b.Publish(StateChange{Kind: EntityPhase, EntityID: "build"})

	assert.Len(t, got, 2)
	assert.Equal(t, EntityTask, got[0].Kind)
	assert.Equal(t, "build", got[1].EntityID)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()

	var calls int
	cancel := b.Subscribe(func(StateChange) { calls++ })

	b.Publish(StateChange{Kind: EntityTask, EntityID: "t1"})
	cancel()
	b.Publish(StateChange{Kind: EntityTask, EntityID: "t2"})

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Len())

	// Cancelling twice is harmless.
	cancel()
}

func TestIndependentSubscribers(t *testing.T) {
	b := NewBroadcaster()

	var first, second int
	cancelFirst := b.Subscribe(func(StateChange) { first++ })
	b.Subscribe(func(StateChange) { second++ })

	b.Publish(StateChange{Kind: EntityCounter, EntityID: "op-1"})
	cancelFirst()
	b.Publish(StateChange{Kind: EntityCounter, EntityID: "op-1"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, b.Len())
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel := b.Subscribe(func(StateChange) {})
			b.Publish(StateChange{Kind: EntityConnection, EntityID: "health"})
			cancel()
		}()
	}
	wg.Wait()

	assert.Zero(t, b.Len())
}
