package manager

import (
	"context"
	"sync"
	"time"
)

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
// State transitions use Name "state" with From and To set.
type Event struct {
	Name       string         `json:"name"`
	ModelID    string         `json:"model_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	From       State          `json:"from,omitempty"`
	To         State          `json:"to,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Time       time.Time      `json:"time"`
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// subscriberBuffer is the per-subscriber backlog before events are dropped.
const subscriberBuffer = 64

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than stall the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan Event]struct{}{}}
}

// Subscribe returns a channel of events that closes when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	})
	return ch
}

// Publish delivers e to every subscriber with room for it.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			eventsDropped.Inc()
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
