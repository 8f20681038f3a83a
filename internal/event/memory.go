package event

import (
	"context"
	"sync"
)

// Bus is an in-process publisher/subscriber pair for tests and single-node
// runs. Delivery is at-least-once in spirit: tests may publish duplicates to
// exercise consumer idempotency.
type Bus struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Publish enqueues without holding the bus lock, so a full buffer blocks the
// caller on its context rather than wedging every other publisher and Close.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case b.ch <- ev:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case ev := <-b.ch:
			// Errors leave nothing to redeliver in-process; callers that
			// need redelivery re-publish explicitly.
			_ = handler(ctx, ev)
		}
	}
}

// Close releases blocked publishers and consumers. The event channel is never
// closed so a racing Publish cannot panic on a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}
