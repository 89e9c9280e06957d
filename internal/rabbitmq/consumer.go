package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages. Returning nil acks the
// delivery, an error nacks it with requeue.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer registers handlers on queues and keeps them registered across
// reconnections of its connection
type Consumer struct {
	dispatcher       *Dispatcher
	hub              *events.Hub
	role             events.Role
	prefetchCount    int
	prefetchSize     int
	autoAck          bool
	exclusive        bool
	consumerTag      string
	handlerTimeout   time.Duration
	redeclareTimeout time.Duration
	logger           *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumerState
	tokens    []events.Token
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// consumerState is one registered queue handler
type consumerState struct {
	queue   string
	handler MessageHandler

	startMu sync.Mutex

	mu         sync.Mutex
	running    bool
	stopped    bool
	generation uint64
	tag        string
	cancel     context.CancelFunc
	done       chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the prefix of generated consumer tags
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds a single handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over dispatcher. Every registered queue is
// consumed again after the dispatcher's connection is re-established.
func NewConsumer(dispatcher *Dispatcher, options ...ConsumerOption) (*Consumer, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dispatcher", ErrInvalidConfiguration)
	}

	c := &Consumer{
		dispatcher:       dispatcher,
		hub:              dispatcher.hub,
		role:             dispatcher.manager.Role(),
		prefetchCount:    10,
		consumerTag:      "mmate",
		handlerTimeout:   30 * time.Second,
		redeclareTimeout: 30 * time.Second,
		logger:           slog.Default(),
		consumers:        make(map[string]*consumerState),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 0 {
		return nil, fmt.Errorf("%w: negative prefetch count", ErrInvalidConfiguration)
	}
	c.logger = c.logger.With("role", string(c.role))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.tokens = []events.Token{
		events.Subscribe(c.hub, func(e events.Created) {
			if e.Role == c.role {
				c.redeclareAsync()
			}
		}),
		events.Subscribe(c.hub, func(e events.Recovered) {
			if e.Role == c.role {
				c.redeclareAsync()
			}
		}),
	}

	return c, nil
}

// Subscribe starts consuming queue with handler. The registration is dropped
// again when the first consume fails.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if queue == "" || handler == nil {
		return fmt.Errorf("%w: subscribe needs a queue and a handler", ErrInvalidConfiguration)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrDisposed, Timestamp: time.Now()}
	}
	if _, exists := c.consumers[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerExists, Timestamp: time.Now()}
	}
	state := &consumerState{queue: queue, handler: handler}
	c.consumers[queue] = state
	c.mu.Unlock()

	if err := c.start(ctx, state); err != nil {
		c.mu.Lock()
		if c.consumers[queue] == state {
			delete(c.consumers, queue)
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", c.prefetchCount)

	return nil
}

// start consumes on a fresh channel unless the consumer already runs on the
// current connection. startMu serializes starts of one queue; state.mu is
// held only around state checks.
func (c *Consumer) start(ctx context.Context, state *consumerState) error {
	state.startMu.Lock()
	defer state.startMu.Unlock()

	if !state.needsStart(c.dispatcher.manager.Generation()) {
		return nil
	}

	ch, err := c.dispatcher.Acquire(ctx)
	if err != nil {
		return &ConsumerError{Queue: state.queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if !state.needsStart(ch.Generation()) {
		c.dispatcher.Release(ch)
		return nil
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		c.dispatcher.Release(ch)
		return &ConsumerError{Queue: state.queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	tag := fmt.Sprintf("%s-%s", c.consumerTag, uuid.New().String())
	deliveries, err := ch.Consume(state.queue, tag, c.autoAck, c.exclusive, false, false, nil)
	if err != nil {
		c.dispatcher.Release(ch)
		return &ConsumerError{Queue: state.queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Cancel(tag, false)
		c.dispatcher.Release(ch)
		return &ConsumerError{Queue: state.queue, Op: "subscribe", Err: ErrDisposed, Timestamp: time.Now()}
	}
	c.wg.Add(1)
	c.mu.Unlock()

	state.mu.Lock()
	if state.stopped {
		state.mu.Unlock()
		_ = ch.Cancel(tag, false)
		c.dispatcher.Release(ch)
		c.wg.Done()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	state.running = true
	state.generation = ch.Generation()
	state.tag = tag
	state.cancel = cancel
	state.done = done
	state.mu.Unlock()

	go c.processMessages(runCtx, state, ch, tag, deliveries, done)

	return nil
}

// needsStart reports whether the queue still wants a consumer on generation
func (s *consumerState) needsStart(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	return !s.running || s.generation != generation
}

// processMessages handles incoming messages until the deliveries stop or the
// consumer is cancelled
func (c *Consumer) processMessages(ctx context.Context, state *consumerState, ch *PooledChannel, tag string, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer func() {
		// a start waiting for this slot holds startMu
		c.dispatcher.Release(ch)

		state.mu.Lock()
		if state.tag == tag {
			state.running = false
		}
		state.mu.Unlock()

		close(done)
		c.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil && !ch.IsClosed() {
				c.logger.Warn("failed to cancel consumer", "queue", state.queue, "consumerTag", tag, "error", err)
			}
			c.logger.Info("consumer stopped", "queue", state.queue, "consumerTag", tag)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", state.queue, "consumerTag", tag)
				return
			}

			if err := c.handleMessage(ctx, delivery, state.handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", state.queue,
					"messageId", delivery.MessageId)
			}
		}
	}
}

// handleMessage processes a single message
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = handler(msgCtx, delivery)
	}()

	if c.autoAck {
		return err
	}

	if err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}

func (c *Consumer) redeclareAsync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.consumers) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.redeclare()
	}()
}

// redeclare consumes every registered queue again on the new connection
func (c *Consumer) redeclare() {
	c.mu.Lock()
	states := make([]*consumerState, 0, len(c.consumers))
	for _, state := range c.consumers {
		states = append(states, state)
	}
	c.mu.Unlock()

	for _, state := range states {
		ctx, cancel := context.WithTimeout(c.ctx, c.redeclareTimeout)
		err := c.start(ctx, state)
		cancel()

		if err != nil {
			c.logger.Error("failed to resume consumer", "queue", state.queue, "error", err)
			continue
		}
		c.logger.Info("consumer resumed", "queue", state.queue)
	}
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	state, ok := c.consumers[queue]
	delete(c.consumers, queue)
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrConsumerNotFound, Timestamp: time.Now()}
	}

	c.stop(state)
	return nil
}

func (c *Consumer) stop(state *consumerState) {
	state.mu.Lock()
	state.stopped = true
	cancel, done := state.cancel, state.done
	state.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	states := make([]*consumerState, 0, len(c.consumers))
	for queue, state := range c.consumers {
		states = append(states, state)
		delete(c.consumers, queue)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, state := range states {
		wg.Add(1)
		go func(s *consumerState) {
			defer wg.Done()
			c.stop(s)
		}(state)
	}
	wg.Wait()

	return nil
}

// ActiveConsumers returns the queues currently being consumed, sorted
func (c *Consumer) ActiveConsumers() []string {
	c.mu.Lock()
	states := make([]*consumerState, 0, len(c.consumers))
	for _, state := range c.consumers {
		states = append(states, state)
	}
	c.mu.Unlock()

	var queues []string
	for _, state := range states {
		state.mu.Lock()
		if state.running {
			queues = append(queues, state.queue)
		}
		state.mu.Unlock()
	}
	slices.Sort(queues)
	return queues
}

// Close stops every consumer and stops following reconnections
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	for _, token := range c.tokens {
		c.hub.Unsubscribe(token)
	}

	err := c.UnsubscribeAll()
	c.wg.Wait()
	return err
}
