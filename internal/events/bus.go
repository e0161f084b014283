// Package events implements the in-process publish/subscribe bus that fans
// push-channel messages out to the rest of the panel.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// Event is one occurrence of a named message with its raw payload.
type Event struct {
	Name    protocol.EventName
	Payload json.RawMessage
}

// Handler receives events. Implementations must be comparable (typically a
// pointer) because the bus keys subscriptions by handler identity.
type Handler interface {
	HandleEvent(ev Event) error
}

// Callback gives a plain function an identity so it can be subscribed and
// unsubscribed.
type Callback struct {
	fn func(Event) error
}

// NewCallback wraps fn.
func NewCallback(fn func(Event) error) *Callback {
	return &Callback{fn: fn}
}

// HandleEvent calls the wrapped function.
func (c *Callback) HandleEvent(ev Event) error { return c.fn(ev) }

// Emitter sends messages outbound to the authority.
type Emitter interface {
	Emit(name protocol.EventName, payload any) error
}

// ErrNoEmitter is returned by Emit before an emitter is attached.
var ErrNoEmitter = errors.New("no outbound emitter attached")

// Bus is a registry of event name → set of handlers.
type Bus struct {
	log zerolog.Logger

	mu      sync.RWMutex
	subs    map[protocol.EventName]map[Handler]struct{}
	emitter Emitter
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "events").Logger(),
		subs: make(map[protocol.EventName]map[Handler]struct{}),
	}
}

// Subscribe registers h for name and returns a function that removes it.
// Subscribing the same handler twice has no further effect.
func (b *Bus) Subscribe(name protocol.EventName, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	set, ok := b.subs[name]
	if !ok {
		set = make(map[Handler]struct{})
		b.subs[name] = set
	}
	set[h] = struct{}{}
	b.mu.Unlock()

	return func() { b.Unsubscribe(name, h) }
}

// Unsubscribe removes h from name. Removing an unknown handler is a no-op.
func (b *Bus) Unsubscribe(name protocol.EventName, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[name]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(b.subs, name)
	}
}

// SubscriberCount returns how many handlers are registered for name.
func (b *Bus) SubscriberCount(name protocol.EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Publish delivers ev to every handler registered for its name and returns
// how many handlers completed without error. A failing or panicking handler
// is logged and does not affect the others.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Name]))
	for h := range b.subs[ev.Name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, h := range handlers {
		if err := b.deliver(h, ev); err != nil {
			var malformed *protocol.MalformedPayloadError
			if errors.As(err, &malformed) {
				b.log.Warn().Err(err).Str("event", string(ev.Name)).Msg("dropping malformed payload")
			} else {
				b.log.Error().Err(err).Str("event", string(ev.Name)).Msg("event handler failed")
			}
			continue
		}
		delivered++
	}
	return delivered
}

// PublishPayload marshals payload and publishes it under name.
func (b *Bus) PublishPayload(name protocol.EventName, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	b.Publish(Event{Name: name, Payload: data})
	return nil
}

// AttachEmitter sets the outbound side of the bus.
func (b *Bus) AttachEmitter(e Emitter) {
	b.mu.Lock()
	b.emitter = e
	b.mu.Unlock()
}

// Emit sends a message to the authority through the attached emitter.
func (b *Bus) Emit(name protocol.EventName, payload any) error {
	b.mu.RLock()
	e := b.emitter
	b.mu.RUnlock()

	if e == nil {
		b.log.Warn().Str("event", string(name)).Msg("no emitter attached, dropping outbound message")
		return ErrNoEmitter
	}
	return e.Emit(name, payload)
}

func (b *Bus) deliver(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleEvent(ev)
}
