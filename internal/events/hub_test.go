package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublish(t *testing.T) {
	t.Run("delivers to all subscribers in subscription order", func(t *testing.T) {
		hub := NewHub()
		var order []string

		Subscribe(hub, func(e Blocked) { order = append(order, "first:"+e.Reason) })
		Subscribe(hub, func(e Blocked) { order = append(order, "second:"+e.Reason) })

		hub.Publish(Blocked{Role: RoleProducer, Reason: "low memory"})

		assert.Equal(t, []string{"first:low memory", "second:low memory"}, order)
	})

	t.Run("routes by variant", func(t *testing.T) {
		hub := NewHub()
		var acks, nacks int

		Subscribe(hub, func(Ack) { acks++ })
		Subscribe(hub, func(Nack) { nacks++ })

		hub.Publish(Ack{ChannelID: "c1", DeliveryTag: 1})
		hub.Publish(Ack{ChannelID: "c1", DeliveryTag: 2})
		hub.Publish(Nack{ChannelID: "c1", DeliveryTag: 3})

		assert.Equal(t, 2, acks)
		assert.Equal(t, 1, nacks)
	})

	t.Run("failing handler does not stop delivery", func(t *testing.T) {
		var faults []any
		hub := NewHub(WithFaultSink(func(_ Event, fault any) {
			faults = append(faults, fault)
		}))

		ran := false
		Subscribe(hub, func(Unblocked) { panic("boom") })
		Subscribe(hub, func(Unblocked) { ran = true })

		assert.NotPanics(t, func() {
			hub.Publish(Unblocked{Role: RoleConsumer})
		})
		assert.True(t, ran)
		assert.Equal(t, []any{"boom"}, faults)
	})

	t.Run("panicking fault sink is contained", func(t *testing.T) {
		hub := NewHub(WithFaultSink(func(Event, any) { panic("sink") }))
		Subscribe(hub, func(Created) { panic("handler") })

		assert.NotPanics(t, func() { hub.Publish(Created{}) })
	})

	t.Run("interface subscription receives every event after typed handlers", func(t *testing.T) {
		hub := NewHub()
		var seen []string

		Subscribe(hub, func(e Event) {
			switch e.(type) {
			case Created:
				seen = append(seen, "any:created")
			case Disconnected:
				seen = append(seen, "any:disconnected")
			}
		})
		Subscribe(hub, func(Created) { seen = append(seen, "created") })

		hub.Publish(Created{})
		hub.Publish(Disconnected{Reason: errors.New("eof")})

		assert.Equal(t, []string{"created", "any:created", "any:disconnected"}, seen)
	})

	t.Run("nil event is ignored", func(t *testing.T) {
		hub := NewHub()
		assert.NotPanics(t, func() { hub.Publish(nil) })
	})
}

func TestHubUnsubscribe(t *testing.T) {
	t.Run("removes only the given subscription", func(t *testing.T) {
		hub := NewHub()
		var a, b int

		tokenA := Subscribe(hub, func(Recovered) { a++ })
		Subscribe(hub, func(Recovered) { b++ })

		hub.Publish(Recovered{})
		hub.Unsubscribe(tokenA)
		hub.Publish(Recovered{})

		assert.Equal(t, 1, a)
		assert.Equal(t, 2, b)
	})

	t.Run("is idempotent", func(t *testing.T) {
		hub := NewHub()
		token := Subscribe(hub, func(Recovered) {})

		hub.Unsubscribe(token)
		assert.NotPanics(t, func() {
			hub.Unsubscribe(token)
			hub.Unsubscribe(Token{})
		})
	})

	t.Run("unsubscribing inside a handler applies to the next publish", func(t *testing.T) {
		hub := NewHub()
		var token Token
		var first, second int

		token = Subscribe(hub, func(Unblocked) {
			first++
			hub.Unsubscribe(token)
		})
		Subscribe(hub, func(Unblocked) { second++ })

		hub.Publish(Unblocked{})
		hub.Publish(Unblocked{})

		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
	})

	t.Run("unsubscribes interface subscriptions", func(t *testing.T) {
		hub := NewHub()
		var count int
		token := Subscribe(hub, func(Event) { count++ })

		hub.Publish(Created{})
		hub.Unsubscribe(token)
		hub.Publish(Created{})

		assert.Equal(t, 1, count)
	})
}

func TestHubConcurrency(t *testing.T) {
	hub := NewHub()
	var delivered atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				token := Subscribe(hub, func(Ack) {})
				hub.Unsubscribe(token)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				hub.Publish(Ack{ChannelID: "c", DeliveryTag: uint64(j)})
			}
		}()
	}

	Subscribe(hub, func(Nack) { delivered.Add(1) })
	wg.Wait()

	hub.Publish(Nack{})
	require.Equal(t, int64(1), delivered.Load())
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "rabbit:5672", Address{Host: "rabbit", Port: 5672}.String())
	assert.Equal(t, "[::1]:5671", Address{Host: "::1", Port: 5671}.String())
	assert.Equal(t, "", Address{}.String())
}
