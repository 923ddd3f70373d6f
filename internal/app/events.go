package app

import (
	"context"
	"sync"

	"aptsync/internal/types"
)

type subscriber struct {
	events chan types.SyncEvent
	done   chan struct{}
}

// eventBus fans sync events out to subscribers. Sends block until the
// subscriber reads, unsubscribes or the sync is cancelled.
type eventBus struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func newEventBus() *eventBus {
	return &eventBus{subs: map[int]*subscriber{}}
}

func (b *eventBus) subscribe(buffer int) (<-chan types.SyncEvent, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		events: make(chan types.SyncEvent, buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()
	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

func (b *eventBus) publish(ctx context.Context, event types.SyncEvent) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}
