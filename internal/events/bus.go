package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event published on the bus.
type Type string

const (
	HealthChanged       Type = "health_changed"
	ProviderBlacklisted Type = "provider_blacklisted"
	BudgetExceeded      Type = "budget_exceeded"
	PoolScaling         Type = "pool_scaling"
)

// Event is a notification about a state change in the orchestration layer.
type Event struct {
	Type     Type
	Provider string
	Chain    string
	Detail   string
	At       time.Time
}

const defaultBuffer = 64

// Bus fans events out to subscribers over buffered channels.
// Publish never blocks: events for a full subscriber are dropped and
// counted, so a slow consumer cannot stall the hot path. Tests drain the
// subscription channel to observe notifications deterministically.
type Bus struct {
	mu      sync.Mutex
	subs    []chan Event
	dropped int64
	closed  bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the number of events discarded due to full subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
