package pipeline

import (
	"sync"

	"freshcart/internal/inventory"
)

// ChangeHandler receives committed inventory changes from the stream.
type ChangeHandler interface {
	OnInventoryChange(change *inventory.CommittedChange)
}

// ChangeHandlerFunc adapts a function to the ChangeHandler interface.
type ChangeHandlerFunc func(change *inventory.CommittedChange)

// OnInventoryChange implements ChangeHandler.
func (f ChangeHandlerFunc) OnInventoryChange(change *inventory.CommittedChange) {
	f(change)
}

// EventBus provides pub/sub for committed inventory changes. The websocket
// bridge and the recommendation trigger subscribe to it.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	categoryFilter string // Empty string means receive all categories
	channel        chan *inventory.CommittedChange
	handler        ChangeHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for changes across all categories.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler ChangeHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeCategory registers a handler for changes to a single category.
// Returns an unsubscribe function.
func (b *EventBus) SubscribeCategory(category string, handler ChangeHandler) func() {
	sub := &eventSubscription{
		categoryFilter: category,
		handler:        handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives committed changes with the
// given buffer size, plus an unsubscribe function. A full channel drops the
// change rather than blocking the publisher.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *inventory.CommittedChange, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *inventory.CommittedChange, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers a committed change to all subscribers. Handlers are called
// synchronously so change events reach observers in commit order.
func (b *EventBus) Publish(change *inventory.CommittedChange) {
	if change == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.categoryFilter != "" && sub.categoryFilter != change.Item.Category {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnInventoryChange(change)
		} else if sub.channel != nil {
			select {
			case sub.channel <- change:
			default:
				// Channel full, skip this change
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
