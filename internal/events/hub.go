package events

import (
	"cmp"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

// FaultSink receives the value recovered from a panicking handler
type FaultSink func(event Event, fault any)

// Token identifies one subscription
type Token struct {
	id  uint64
	typ reflect.Type
}

type subscription struct {
	id uint64
	fn func(Event)
}

// Hub is an in-process, synchronous publish/subscribe bus keyed by event type.
//
// Subscriber lists are copy-on-write: the lock is held only while a list is
// read or replaced, never while handlers run.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	typed  map[reflect.Type][]subscription
	// subscriptions on interface types, matched by assertion
	open map[reflect.Type][]subscription

	sink   FaultSink
	logger *slog.Logger
}

// HubOption configures the Hub
type HubOption func(*Hub)

// WithFaultSink sets the sink for handler panics
func WithFaultSink(sink FaultSink) HubOption {
	return func(h *Hub) {
		h.sink = sink
	}
}

// WithHubLogger sets the logger used by the default fault sink
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty hub
func NewHub(options ...HubOption) *Hub {
	h := &Hub{
		typed:  make(map[reflect.Type][]subscription),
		open:   make(map[reflect.Type][]subscription),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(h)
	}

	if h.sink == nil {
		h.sink = func(event Event, fault any) {
			h.logger.Error("event handler failed",
				"event", fmt.Sprintf("%T", event),
				"panic", fault)
		}
	}

	return h
}

// Subscribe registers fn for events of type T. When T is an interface type
// (Event itself, for instance) fn receives every event implementing it, after
// the handlers registered on the concrete type.
func Subscribe[T Event](h *Hub, fn func(T)) Token {
	if fn == nil {
		panic("events: nil handler")
	}

	typ := reflect.TypeFor[T]()
	wrapped := func(ev Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := subscription{id: h.nextID, fn: wrapped}
	if typ.Kind() == reflect.Interface {
		h.open[typ] = append(slices.Clip(h.open[typ]), sub)
	} else {
		h.typed[typ] = append(slices.Clip(h.typed[typ]), sub)
	}

	return Token{id: sub.id, typ: typ}
}

// Unsubscribe removes the subscription. Removing an unknown or already
// removed token is a no-op; a removal made while a Publish is running takes
// effect from the next Publish.
func (h *Hub) Unsubscribe(token Token) {
	if token.typ == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	registry := h.typed
	if token.typ.Kind() == reflect.Interface {
		registry = h.open
	}

	subs := registry[token.typ]
	idx := slices.IndexFunc(subs, func(s subscription) bool { return s.id == token.id })
	if idx < 0 {
		return
	}

	remaining := make([]subscription, 0, len(subs)-1)
	remaining = append(remaining, subs[:idx]...)
	remaining = append(remaining, subs[idx+1:]...)
	if len(remaining) == 0 {
		delete(registry, token.typ)
		return
	}
	registry[token.typ] = remaining
}

// Publish delivers event to every matching handler in subscription order, in
// the calling goroutine. A panicking handler is reported to the fault sink and
// delivery continues with the next one.
func (h *Hub) Publish(event Event) {
	if event == nil {
		return
	}

	typ := reflect.TypeOf(event)

	h.mu.Lock()
	subs := h.typed[typ]
	var open []subscription
	for iface, list := range h.open {
		if typ.Implements(iface) {
			open = append(open, list...)
		}
	}
	h.mu.Unlock()

	if len(open) > 1 {
		slices.SortFunc(open, func(a, b subscription) int {
			return cmp.Compare(a.id, b.id)
		})
	}

	for _, sub := range subs {
		h.deliver(sub, event)
	}
	for _, sub := range open {
		h.deliver(sub, event)
	}
}

func (h *Hub) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.reportFault(event, r)
		}
	}()
	sub.fn(event)
}

func (h *Hub) reportFault(event Event, fault any) {
	// sink panics end here
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("fault sink failed", "panic", r)
		}
	}()
	h.sink(event, fault)
}
