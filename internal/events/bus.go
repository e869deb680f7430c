package events

import (
	"context"
	"sync"
	"time"

	"github.com/soulplan/booking-engine/internal/logging"
)

// InMemoryBus fans events out to handlers in their own goroutines. Handler
// errors are logged and dropped; subscribers that need durability belong on
// the outbox, not the bus.
type InMemoryBus struct {
	log *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInMemoryBus(log *logging.Logger) *InMemoryBus {
	return &InMemoryBus{
		log:      log.WithComponent("events"),
		handlers: make(map[string][]Handler),
	}
}

func (b *InMemoryBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.EventName()]
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			// Detach from the caller's context so a finished request
			// does not cancel delivery mid-flight.
			hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panic", "event", event.EventName(), "panic", r)
				}
			}()

			if err := h.Handle(hctx, event); err != nil {
				b.log.Warn("event handler error", "event", event.EventName(), "error", err)
			}
		}(h)
	}
}
