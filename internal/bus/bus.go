// Package bus provides a small typed publish/subscribe bus with
// topic-scoped subscriptions. Topics are team ids; the "*" topic
// receives every event. Unsubscribe is a returned cancel func, and
// DropTopic removes all listeners for a torn-down team so short-lived
// teams cannot leak subscriptions.
package bus

import "sync"

// TopicAll subscribes to events from every topic.
const TopicAll = "*"

// Bus is a typed pub/sub channel. The zero value is not usable; use New.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func(T)
	nextID int
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]map[int]func(T))}
}

// Subscribe registers a handler for a topic and returns a cancel func.
// Handlers run synchronously in Publish's goroutine; long-running work
// belongs in the handler's own goroutine.
func (b *Bus[T]) Subscribe(topic string, fn func(T)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(T))
	}
	b.subs[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.subs[topic]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}

// Publish delivers an event to the topic's handlers and to TopicAll
// handlers.
func (b *Bus[T]) Publish(topic string, event T) {
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.subs[topic])+len(b.subs[TopicAll]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	if topic != TopicAll {
		for _, fn := range b.subs[TopicAll] {
			handlers = append(handlers, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// DropTopic removes every handler registered for a topic.
func (b *Bus[T]) DropTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
}

// Subscribers returns the handler count for a topic.
func (b *Bus[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
