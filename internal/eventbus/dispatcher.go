package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event.
type Handler interface {
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Bus publishes events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(eventType EventType, handler Handler)
	SubscribeAll(handler Handler)
	Close() error
}

// Dispatcher is the in-process bus. Handlers run synchronously in publish
// order; a handler error is logged and does not stop the remaining handlers.
type Dispatcher struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	handlers  map[EventType][]Handler
	wildcards []Handler
	forward   Bus // optional external bus, e.g. NATS
}

// NewDispatcher creates an in-process event dispatcher. forward may be nil
// when no external bus is configured.
func NewDispatcher(logger *zap.Logger, forward Bus) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[EventType][]Handler),
		forward:  forward,
	}
}

// Subscribe registers a handler for one event type.
func (d *Dispatcher) Subscribe(eventType EventType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (d *Dispatcher) SubscribeAll(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wildcards = append(d.wildcards, handler)
}

// Publish delivers the event to local handlers, then forwards it to the
// external bus if one is configured.
func (d *Dispatcher) Publish(ctx context.Context, event *Event) error {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[event.Type])+len(d.wildcards))
	handlers = append(handlers, d.handlers[event.Type]...)
	handlers = append(handlers, d.wildcards...)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	if d.forward != nil {
		if err := d.forward.Publish(ctx, event); err != nil {
			d.logger.Warn("failed to forward event to external bus",
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// Close closes the forwarding bus if present.
func (d *Dispatcher) Close() error {
	if d.forward != nil {
		return d.forward.Close()
	}
	return nil
}
