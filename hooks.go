package mmate

import (
	"github.com/glimte/mmate-bus/internal/events"
)

// Hook signatures. Hooks run synchronously on the goroutine that observed
// the event and must return quickly; a panicking hook is logged and skipped.
type (
	ConnectedHook       func(host string, port int)
	DisconnectedHook    func(host string, port int, reason error)
	BlockedHook         func(reason string)
	UnblockedHook       func()
	MessageReturnedHook func(msg ReturnedMessage)
)

type hooks struct {
	connected    []ConnectedHook
	disconnected []DisconnectedHook
	blocked      []BlockedHook
	unblocked    []UnblockedHook
	returned     []MessageReturnedHook
}

// OnConnected is called when either connection is established, initially or
// after an outage
func OnConnected(fn ConnectedHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks.connected = append(cfg.hooks.connected, fn)
	}
}

// OnDisconnected is called once per outage of either connection
func OnDisconnected(fn DisconnectedHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks.disconnected = append(cfg.hooks.disconnected, fn)
	}
}

// OnBlocked is called when the broker applies flow control
func OnBlocked(fn BlockedHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks.blocked = append(cfg.hooks.blocked, fn)
	}
}

// OnUnblocked is called when the broker lifts flow control
func OnUnblocked(fn UnblockedHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks.unblocked = append(cfg.hooks.unblocked, fn)
	}
}

// OnMessageReturned is called for every mandatory publish the broker returns
func OnMessageReturned(fn MessageReturnedHook) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hooks.returned = append(cfg.hooks.returned, fn)
	}
}

// subscribe registers every hook separately so that one failing hook does
// not keep the others from running
func (h hooks) subscribe(hub *events.Hub) []events.Token {
	var tokens []events.Token

	for _, fn := range h.connected {
		tokens = append(tokens,
			events.Subscribe(hub, func(e events.Created) { fn(e.Address.Host, e.Address.Port) }),
			events.Subscribe(hub, func(e events.Recovered) { fn(e.Address.Host, e.Address.Port) }))
	}
	for _, fn := range h.disconnected {
		tokens = append(tokens, events.Subscribe(hub, func(e events.Disconnected) {
			fn(e.Address.Host, e.Address.Port, e.Reason)
		}))
	}
	for _, fn := range h.blocked {
		tokens = append(tokens, events.Subscribe(hub, func(e events.Blocked) { fn(e.Reason) }))
	}
	for _, fn := range h.unblocked {
		tokens = append(tokens, events.Subscribe(hub, func(events.Unblocked) { fn() }))
	}
	for _, fn := range h.returned {
		tokens = append(tokens, events.Subscribe(hub, func(e events.Returned) {
			fn(ReturnedMessage{
				Body:       e.Body,
				Properties: e.Properties,
				Exchange:   e.Exchange,
				RoutingKey: e.RoutingKey,
				ReplyCode:  e.ReplyCode,
				Reason:     e.Reason,
			})
		}))
	}

	return tokens
}
