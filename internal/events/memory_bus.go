package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher/Subscriber. Handlers run synchronously
// on the publishing goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(Event)
	next     int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]map[int]func(Event))}
}

func (b *MemoryBus) Publish(ctx context.Context, stream string, event Event) error {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers[stream]))
	for _, h := range b.handlers[stream] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.handlers[stream] == nil {
		b.handlers[stream] = make(map[int]func(Event))
	}
	b.handlers[stream][id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers[stream], id)
		b.mu.Unlock()
	}()
	return nil
}
