package mmate

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory broker behind the rabbitmq capability
// interfaces. The default exchange routes a key to the queue of that name;
// every other exchange routes nothing.
type fakeBroker struct {
	mu      sync.Mutex
	queues  map[string]*fakeQueue
	nacked  map[string]bool
	refuse  bool
	dials   int
	conns   []*fakeConn
	dialErr error
}

type fakeQueue struct {
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	mu         sync.Mutex
	tag        string
	queue      string
	ch         *fakeChan
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:  make(map[string]*fakeQueue),
		nacked:  make(map[string]bool),
		dialErr: errors.New("dial tcp: connection refused"),
	}
}

func (b *fakeBroker) declare(queues ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range queues {
		if b.queues[q] == nil {
			b.queues[q] = &fakeQueue{}
		}
	}
}

// nack makes the broker reject publishes with routingKey
func (b *fakeBroker) nack(routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked[routingKey] = true
}

func (b *fakeBroker) setRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) connections() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeConn(nil), b.conns...)
}

// openConnections returns the connections the bus currently holds
func (b *fakeBroker) openConnections() []*fakeConn {
	var open []*fakeConn
	for _, c := range b.connections() {
		if !c.IsClosed() {
			open = append(open, c)
		}
	}
	return open
}

func (b *fakeBroker) Dial(ctx context.Context, endpoint rabbitmq.Endpoint) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.refuse {
		return nil, b.dialErr
	}

	conn := &fakeConn{broker: b, endpoint: endpoint}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// route delivers msg to one consumer of queue. It reports false when no
// queue of that name exists.
func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) bool {
	if exchange != "" {
		return false
	}

	b.mu.Lock()
	q := b.queues[key]
	var target *fakeConsumer
	if q != nil && len(q.consumers) > 0 {
		target = q.consumers[q.next%len(q.consumers)]
		q.next++
	}
	b.mu.Unlock()

	if q == nil {
		return false
	}
	if target != nil {
		target.deliver(key, msg)
	}
	return true
}

func (b *fakeBroker) addConsumer(c *fakeConsumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[c.queue]
	if q == nil {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + c.queue + "'", Server: true}
	}
	q.consumers = append(q.consumers, c)
	return nil
}

func (b *fakeBroker) removeConsumer(c *fakeConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[c.queue]
	if q == nil {
		return
	}
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[queue]; q != nil {
		return len(q.consumers)
	}
	return 0
}

func (c *fakeConsumer) deliver(key string, msg amqp.Publishing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.deliveries <- amqp.Delivery{
		Acknowledger: c.ch,
		ConsumerTag:  c.tag,
		DeliveryTag:  c.ch.nextDeliveryTag(),
		RoutingKey:   key,
		Headers:      msg.Headers,
		MessageId:    msg.MessageId,
		ContentType:  msg.ContentType,
		Body:         msg.Body,
	}
}

func (c *fakeConsumer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
}

type fakeConn struct {
	broker   *fakeBroker
	endpoint rabbitmq.Endpoint

	mu       sync.Mutex
	closed   bool
	closes   []chan *amqp.Error
	blocks   []chan amqp.Blocking
	channels []*fakeChan
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChan{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

// drop simulates the broker closing the connection
func (c *fakeConn) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	closes := c.closes
	blocks := c.blocks
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, recv := range closes {
		if reason != nil {
			recv <- reason
		}
		close(recv)
	}
	for _, recv := range blocks {
		close(recv)
	}
}

func (c *fakeConn) setBlocked(active bool, reason string) {
	c.mu.Lock()
	blocks := c.blocks
	c.mu.Unlock()
	for _, recv := range blocks {
		recv <- amqp.Blocking{Active: active, Reason: reason}
	}
}

type fakeChan struct {
	conn *fakeConn

	mu          sync.Mutex
	closed      bool
	confirm     bool
	seq         uint64
	deliveryTag uint64
	confirms    []chan amqp.Confirmation
	returns     []chan amqp.Return
	closes      []chan *amqp.Error
	consumers   map[string]*fakeConsumer
	acked       []uint64
	requeued    []uint64
}

func (ch *fakeChan) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirm = true
	return nil
}

func (ch *fakeChan) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.confirm {
		ch.seq++
	}

	broker := ch.conn.broker
	routed := broker.route(exchange, key, msg)
	if !routed && mandatory {
		for _, recv := range ch.returns {
			recv <- amqp.Return{
				ReplyCode:  amqp.NoRoute,
				ReplyText:  "NO_ROUTE",
				Exchange:   exchange,
				RoutingKey: key,
				Headers:    msg.Headers,
				MessageId:  msg.MessageId,
				Body:       msg.Body,
			}
		}
	}

	if ch.confirm {
		broker.mu.Lock()
		ack := !broker.nacked[key]
		broker.mu.Unlock()
		for _, recv := range ch.confirms {
			recv <- amqp.Confirmation{DeliveryTag: ch.seq, Ack: ack}
		}
	}
	return nil
}

func (ch *fakeChan) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq + 1
}

func (ch *fakeChan) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChan) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChan) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *fakeChan) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (ch *fakeChan) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	c := &fakeConsumer{tag: consumer, queue: queue, ch: ch, deliveries: make(chan amqp.Delivery, 64)}
	ch.mu.Unlock()

	if err := ch.conn.broker.addConsumer(c); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.consumers == nil {
		ch.consumers = make(map[string]*fakeConsumer)
	}
	ch.consumers[consumer] = c
	ch.mu.Unlock()

	return c.deliveries, nil
}

func (ch *fakeChan) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	c := ch.consumers[consumer]
	delete(ch.consumers, consumer)
	ch.mu.Unlock()

	if c != nil {
		ch.conn.broker.removeConsumer(c)
		c.stop()
	}
	return nil
}

func (ch *fakeChan) nextDeliveryTag() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.deliveryTag++
	return ch.deliveryTag
}

func (ch *fakeChan) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acked = append(ch.acked, tag)
	return nil
}

func (ch *fakeChan) Nack(tag uint64, multiple bool, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.requeued = append(ch.requeued, tag)
	return nil
}

func (ch *fakeChan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *fakeChan) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChan) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *fakeChan) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	closes, confirms, returns := ch.closes, ch.confirms, ch.returns
	ch.mu.Unlock()

	for _, c := range consumers {
		ch.conn.broker.removeConsumer(c)
		c.stop()
	}
	for _, recv := range closes {
		if reason != nil {
			recv <- reason
		}
		close(recv)
	}
	for _, recv := range returns {
		close(recv)
	}
	for _, recv := range confirms {
		close(recv)
	}
}

func (ch *fakeChan) settled() (acked, requeued int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.acked), len(ch.requeued)
}
