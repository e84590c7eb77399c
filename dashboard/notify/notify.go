// Package notify fans out state-change notifications to render
// collaborators so they can re-render incrementally instead of polling.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// EntityKind names what kind of entity a change refers to.
type EntityKind string

const (
	EntityTask       EntityKind = "task"
	EntityPhase      EntityKind = "phase"
	EntityCounter    EntityKind = "counter"
	EntityConnection EntityKind = "connection"
)

// StateChange describes one admitted mutation. Snapshot is an immutable
// deep copy; subscribers may retain it freely.
type StateChange struct {
	Kind     EntityKind  `json:"kind"`
	EntityID string      `json:"entity_id"`
	Snapshot interface{} `json:"snapshot"`
}

// Listener receives state changes. Listeners run on the publisher's
// goroutine and must not block.
type Listener func(StateChange)

// Broadcaster is a subscription registry with synchronous fanout.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string]Listener)}
}

// Subscribe registers a listener and returns its cancel func.
func (b *Broadcaster) Subscribe(fn Listener) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers the change to every subscriber.
func (b *Broadcaster) Publish(change StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.listeners {
		fn(change)
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
