package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

type subscription struct {
	id      string
	handler ports.EventHandler
}

// InMemoryEventBus implements EventBus with in-process handlers.
// This is for testing and single-process runs.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Publish delivers an event to all subscribers of a topic. Delivery is
// asynchronous; handler errors never reach the publisher.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(e.subscribers[topic]))
	for _, sub := range e.subscribers[topic] {
		handlers = append(handlers, sub.handler)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		go func(h ports.EventHandler) {
			_ = h(ctx, event)
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for a topic. The subscription lives until
// ctx is cancelled or the topic is unsubscribed.
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := subscription{id: uuid.NewString(), handler: handler}

	e.mu.Lock()
	e.subscribers[topic] = append(e.subscribers[topic], sub)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(topic, sub.id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic.
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, topic)
	return nil
}

// Close closes the event bus and drops all subscribers.
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

// remove drops one subscription from a topic by id.
func (e *InMemoryEventBus) remove(topic, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
