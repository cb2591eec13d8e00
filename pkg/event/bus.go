package event

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

// Handler consumes one coordination event
type Handler func(Event)

// Bus fans coordination events out to subscribers on a bounded set of
// goroutines.
type Bus struct {
	mu          sync.RWMutex
	byType      map[EventType][]Handler
	catchAll    []Handler
	slots       chan struct{} // one token per running handler
	maxHandlers int
}

// NewBus returns a bus running at most maxHandlers handlers at once (50 when
// maxHandlers is not positive).
func NewBus(maxHandlers int) *Bus {
	if maxHandlers <= 0 {
		maxHandlers = 50
	}
	return &Bus{
		byType:      make(map[EventType][]Handler),
		slots:       make(chan struct{}, maxHandlers),
		maxHandlers: maxHandlers,
	}
}

// Subscribe adds a handler for one event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	logtrace.Debug(context.Background(), "Subscribing handler to event type", logtrace.Fields{
		logtrace.FieldModule:    "event",
		logtrace.FieldEventType: string(eventType),
	})
	b.byType[eventType] = append(b.byType[eventType], handler)
}

// SubscribeAll adds a handler that sees every event
func (b *Bus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.catchAll = append(b.catchAll, handler)
}

// dispatch runs handler in its own goroutine once a slot is free. Panics are
// logged and swallowed.
func (b *Bus) dispatch(handler Handler, event Event) {
	b.slots <- struct{}{}

	go func() {
		defer func() {
			<-b.slots

			if r := recover(); r != nil {
				logtrace.Error(context.Background(), "Event handler panicked", logtrace.Fields{
					logtrace.FieldModule:     "event",
					logtrace.FieldError:      r,
					logtrace.FieldEventType:  string(event.Type),
					logtrace.FieldStackTrace: string(debug.Stack()),
				})
			}
		}()

		handler(copyEvent(event))
	}()
}

// copyEvent gives each handler its own Data map
func copyEvent(e Event) Event {
	out := e
	out.Data = make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		out.Data[k] = v
	}
	return out
}

// Publish hands event to its type's handlers and the catch-all handlers.
// Publishing on a nil bus does nothing.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.byType[event.Type]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	logtrace.Debug(context.Background(), "Publishing event", logtrace.Fields{
		logtrace.FieldModule:    "event",
		logtrace.FieldEventType: string(event.Type),
		logtrace.FieldCount:     len(handlers),
	})

	for _, handler := range handlers {
		b.dispatch(handler, event)
	}
}

// WaitForHandlers blocks until no handler is running
func (b *Bus) WaitForHandlers() {
	if b == nil {
		return
	}
	for i := 0; i < b.maxHandlers; i++ {
		b.slots <- struct{}{}
	}
	for i := 0; i < b.maxHandlers; i++ {
		<-b.slots
	}
}

// Close drains in-flight handlers
func (b *Bus) Close() {
	b.WaitForHandlers()
}
