// Package broadcaster fans completed capture cycles out to subscribers.
package broadcaster

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// bufferSize is the per-subscriber backlog. A full buffer drops cycles
// rather than stalling the capture loop.
const bufferSize = 16

// Subscriber receives cycles as they complete.
type Subscriber struct {
	ID string

	// FailuresOnly skips successful cycles.
	FailuresOnly bool

	Cycles chan *types.CycleLog
}

// Broadcaster manages subscribers and distributes cycles.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber. It returns nil after Close.
func (b *Broadcaster) Subscribe(failuresOnly bool) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:           uuid.New().String(),
		FailuresOnly: failuresOnly,
		Cycles:       make(chan *types.CycleLog, bufferSize),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Cycles)
		delete(b.subscribers, id)
	}
}

// Notify sends c to every matching subscriber without blocking.
func (b *Broadcaster) Notify(c *types.CycleLog) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || c == nil {
		return
	}

	for _, sub := range b.subscribers {
		if sub.FailuresOnly && c.Succeeded() {
			continue
		}
		select {
		case sub.Cycles <- c:
		default:
		}
	}
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Cycles)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
