package events

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events
type Handler func(event *Event)

// Bus is a synchronous publish/subscribe hub. Handlers run on the publisher's goroutine
// in subscription order; a panicking handler is logged and does not affect the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[uint64]Handler
	nextID   uint64
	log      zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[uint64]Handler),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	bus       *Bus
	eventType EventType
	id        uint64
	once      sync.Once
}

// Subscribe registers handler for eventType. Call Unsubscribe on the returned
// handle to remove it; the bus holds handlers until then.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler

	return &Subscription{bus: b, eventType: eventType, id: id}
}

// SubscribeAll registers handler for each of eventTypes and returns one handle per type
func (b *Bus) SubscribeAll(eventTypes []EventType, handler Handler) []*Subscription {
	subs := make([]*Subscription, 0, len(eventTypes))
	for _, et := range eventTypes {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// Unsubscribe removes the handler. Safe to call more than once.
// Once it returns, the handler will not be invoked by subsequent Publish calls.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		delete(s.bus.handlers[s.eventType], s.id)
		if len(s.bus.handlers[s.eventType]) == 0 {
			delete(s.bus.handlers, s.eventType)
		}
	})
}

// Publish delivers data to every handler subscribed to its event type
func (b *Bus) Publish(module string, data EventData) {
	if data == nil {
		return
	}

	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	for _, h := range b.snapshot(event.Type) {
		b.dispatch(h, event)
	}
}

// SubscriberCount returns the number of handlers registered for eventType
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func (b *Bus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	registered := b.handlers[eventType]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	return handlers
}

func (b *Bus) dispatch(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
