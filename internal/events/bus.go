package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus fans events out to type-scoped handlers and to firehose subscribers.
// Handlers run synchronously on the emitting goroutine and must not block;
// firehose subscribers get a bounded channel and lose events when they lag.
type Bus struct {
	log zerolog.Logger

	mu        sync.RWMutex
	handlers  map[EventType][]handlerEntry
	streams   map[int]chan Event
	nextID    int
	dropCount map[int]uint64
}

type handlerEntry struct {
	id int
	fn func(*Event)
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:       log.With().Str("service", "event_bus").Logger(),
		handlers:  make(map[EventType][]handlerEntry),
		streams:   make(map[int]chan Event),
		dropCount: make(map[int]uint64),
	}
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription.
func (b *Bus) Subscribe(eventType EventType, handler func(*Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				b.handlers[eventType] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll returns a channel receiving every event, buffered to `buffer`
// entries. When the subscriber lags, new events are dropped for that
// subscriber only. The returned function closes the subscription.
func (b *Bus) SubscribeAll(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.streams[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Emit delivers an event to handlers of its type and to all firehose
// subscribers.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	entries := b.handlers[eventType]
	handlers := make([]func(*Event), len(entries))
	for i, e := range entries {
		handlers[i] = e.fn
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(&event)
	}

	b.mu.Lock()
	for id, ch := range b.streams {
		select {
		case ch <- event:
		default:
			b.dropCount[id]++
			if b.dropCount[id]%100 == 1 {
				b.log.Warn().
					Int("subscriber", id).
					Uint64("dropped", b.dropCount[id]).
					Str("event_type", string(eventType)).
					Msg("Event stream subscriber lagging, dropping events")
			}
		}
	}
	b.mu.Unlock()
}
