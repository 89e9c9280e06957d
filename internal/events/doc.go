// Package events is the in-process event hub that ties the connection,
// dispatch and confirmation layers together.
//
// The set of events is closed: Created, Recovered, Disconnected, Blocked,
// Unblocked, Returned, Ack, Nack and ChannelClosed. Handlers subscribe by type:
//
//	hub := events.NewHub()
//	token := events.Subscribe(hub, func(e events.Disconnected) {
//	    log.Println("lost", e.Address, e.Reason)
//	})
//	defer hub.Unsubscribe(token)
//
// Publish runs handlers synchronously in the publishing goroutine, so handlers
// are expected to be quick and must not wait on the component publishing the
// event.
package events
