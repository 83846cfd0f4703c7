package manager

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogPublisher writes every event to a logger: state transitions and guard
// actions at info, everything else at debug.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher returns a publisher logging through log.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(e Event) {
	ev := p.log.Debug()
	if e.Name == "state" || strings.HasPrefix(e.Name, "guard_") {
		ev = p.log.Info()
	}
	ev = ev.Str("event", e.Name).Str("model", e.ModelID).Str("instance", e.InstanceID)
	if e.From != "" || e.To != "" {
		ev = ev.Str("from", string(e.From)).Str("to", string(e.To))
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("events")
}

// MemoryPublisher keeps the most recent events in publish order. A zero
// limit keeps everything.
type MemoryPublisher struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

// NewRingPublisher keeps at most limit events.
func NewRingPublisher(limit int) *MemoryPublisher { return &MemoryPublisher{limit: limit} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	p.mu.Unlock()
}

// Events returns a copy of the retained events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Names returns retained event names in publish order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// Named returns the retained events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
