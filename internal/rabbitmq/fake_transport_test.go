package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errDialRefused = errors.New("dial tcp: connection refused")

// fakeDialer hands out in-memory connections. Dials fail while failures > 0.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConnection
	dialed   chan *fakeConnection
	onDial   func(Endpoint) error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConnection, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	d.mu.Lock()
	d.dials++
	if d.onDial != nil {
		if err := d.onDial(endpoint); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errDialRefused
	}
	conn := newFakeConnection(endpoint)
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	select {
	case d.dialed <- conn:
	default:
	}
	return conn, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connections() []*fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConnection(nil), d.conns...)
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConnection struct {
	endpoint Endpoint

	mu         sync.Mutex
	closed     bool
	closes     []chan *amqp.Error
	blocks     []chan amqp.Blocking
	channels   []*fakeChannel
	channelErr error
	consumeErr error
}

func newFakeConnection(endpoint Endpoint) *fakeConnection {
	return &fakeConnection{endpoint: endpoint}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	ch.consumeErr = c.consumeErr
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocks = append(c.blocks, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// drop simulates the broker or network killing the connection
func (c *fakeConnection) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closes, blocks, channels := c.closes, c.blocks, c.channels
	c.closes, c.blocks = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, receiver := range closes {
		if err != nil {
			receiver <- err
		}
		close(receiver)
	}
	for _, receiver := range blocks {
		close(receiver)
	}
}

func (c *fakeConnection) block(reason string) {
	c.notifyBlocked(amqp.Blocking{Active: true, Reason: reason})
}

func (c *fakeConnection) unblock() {
	c.notifyBlocked(amqp.Blocking{Active: false})
}

func (c *fakeConnection) notifyBlocked(b amqp.Blocking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, receiver := range c.blocks {
		receiver <- b
	}
}

func (c *fakeConnection) openChannels() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeChannel(nil), c.channels...)
}

type fakePublish struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
	seq        uint64
}

type fakeChannel struct {
	mu         sync.Mutex
	closed     bool
	confirm    bool
	published  uint64
	publishes  []fakePublish
	publishErr error
	qos        int
	consumeErr error
	consumers  map[string]chan amqp.Delivery
	nextTag    uint64
	acked      []uint64
	nacked     []uint64
	confirms   []chan amqp.Confirmation
	returns    []chan amqp.Return
	closes     []chan *amqp.Error
	onPublish  func(fakePublish)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{consumers: make(map[string]chan amqp.Delivery)}
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	if ch.publishErr != nil {
		err := ch.publishErr
		ch.mu.Unlock()
		return err
	}
	if ch.confirm {
		ch.published++
	}
	p := fakePublish{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg, seq: ch.published}
	ch.publishes = append(ch.publishes, p)
	hook := ch.onPublish
	ch.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (ch *fakeChannel) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.confirm {
		return 0
	}
	return ch.published + 1
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closes = append(ch.closes, c)
	return c
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	deliveries := make(chan amqp.Delivery, 16)
	ch.consumers[consumer] = deliveries
	return deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if deliveries, ok := ch.consumers[consumer]; ok {
		close(deliveries)
		delete(ch.consumers, consumer)
	}
	return nil
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.acked = append(ch.acked, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.nacked = append(ch.nacked, tag)
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// fail simulates a channel exception raised by the broker
func (ch *fakeChannel) fail(code int, reason string) {
	ch.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true, Recover: true})
}

func (ch *fakeChannel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	closes, confirms, returns := ch.closes, ch.confirms, ch.returns
	ch.closes, ch.confirms, ch.returns = nil, nil, nil
	for tag, deliveries := range ch.consumers {
		close(deliveries)
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()

	for _, c := range closes {
		if err != nil {
			c <- err
		}
		close(c)
	}
	for _, c := range confirms {
		close(c)
	}
	for _, c := range returns {
		close(c)
	}
}

// ack sends a broker confirm for tag
func (ch *fakeChannel) ack(tag uint64) {
	ch.confirmTag(tag, true)
}

func (ch *fakeChannel) nack(tag uint64) {
	ch.confirmTag(tag, false)
}

func (ch *fakeChannel) confirmTag(tag uint64, ack bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	for _, c := range ch.confirms {
		c <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

// returnPublish sends back the publish with sequence seq as unroutable
func (ch *fakeChannel) returnPublish(seq uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}

	for _, p := range ch.publishes {
		if p.seq != seq {
			continue
		}
		ret := amqp.Return{
			ReplyCode:   amqp.NoRoute,
			ReplyText:   "NO_ROUTE",
			Exchange:    p.exchange,
			RoutingKey:  p.routingKey,
			ContentType: p.msg.ContentType,
			MessageId:   p.msg.MessageId,
			Headers:     p.msg.Headers,
			Body:        p.msg.Body,
		}
		for _, c := range ch.returns {
			c <- ret
		}
		return
	}
}

// deliver pushes a message to the consumer registered as consumerTag
func (ch *fakeChannel) deliver(consumerTag string, body []byte) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	deliveries, ok := ch.consumers[consumerTag]
	if !ok || ch.closed {
		return false
	}
	ch.nextTag++
	deliveries <- amqp.Delivery{
		Acknowledger: ch,
		ConsumerTag:  consumerTag,
		DeliveryTag:  ch.nextTag,
		Body:         body,
	}
	return true
}

func (ch *fakeChannel) consumerTags() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	return tags
}

func (ch *fakeChannel) publishCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.publishes)
}

func (ch *fakeChannel) lastPublish() fakePublish {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.publishes[len(ch.publishes)-1]
}

func (ch *fakeChannel) ackedTags() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.acked...)
}

func (ch *fakeChannel) nackedTags() []uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]uint64(nil), ch.nacked...)
}

// mockDialer is a testify mock for dial sequencing tests
type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	args := m.Called(endpoint.Host())
	if conn := args.Get(0); conn != nil {
		return conn.(Connection), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeChannelOf returns the fake behind a leased channel
func fakeChannelOf(t *testing.T, pc *PooledChannel) *fakeChannel {
	t.Helper()
	fc, ok := pc.Channel.(*fakeChannel)
	require.True(t, ok, "channel is %T", pc.Channel)
	return fc
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

var testEndpoint = NewEndpoint("rabbit-1", 5672)

func amqpClosed() error {
	return amqp.ErrClosed
}

func amqpError(code int, server bool) error {
	return &amqp.Error{Code: code, Reason: "broker error", Server: server}
}
