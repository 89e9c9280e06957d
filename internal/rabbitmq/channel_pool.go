package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Action is work run with exclusive use of one channel
type Action func(ctx context.Context, ch *PooledChannel) error

// PooledChannel is a channel leased from a Dispatcher
type PooledChannel struct {
	Channel
	id         string
	generation uint64
	slot       *slot
	leased     atomic.Bool
}

// ID returns the identifier carried by events about this channel
func (pc *PooledChannel) ID() string {
	return pc.id
}

// Generation returns the connection generation the channel was opened on
func (pc *PooledChannel) Generation() uint64 {
	return pc.generation
}

// slot is one unit of pool capacity. It holds at most one open channel.
type slot struct {
	ch *PooledChannel
}

// Dispatcher runs actions on a bounded pool of channels over one managed
// connection. Each channel is used by at most one action at a time; callers
// beyond the pool size wait in arrival order.
type Dispatcher struct {
	manager       *ConnectionManager
	hub           *events.Hub
	poolSize      int
	confirm       bool
	retry         reliability.RetryPolicy
	invokeTimeout time.Duration
	logger        *slog.Logger

	open atomic.Int32

	mu sync.Mutex
	// idle slots holding an open channel sit on top so they are leased first
	idle    []*slot
	waiters []chan *slot
	closed  bool
	done    chan struct{}
}

// DispatcherOption configures the dispatcher
type DispatcherOption func(*Dispatcher)

// WithMaxSize sets the number of channels
func WithMaxSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		d.poolSize = size
	}
}

// WithMaxChannels is an alias for WithMaxSize
func WithMaxChannels(size int) DispatcherOption {
	return WithMaxSize(size)
}

// WithConfirmMode puts every channel in publisher confirm mode and forwards
// its confirms and returns to the hub
func WithConfirmMode(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.confirm = enabled
	}
}

// WithRetryPolicy sets how transport failures inside Invoke are retried. The
// policy must be bounded unless an invoke timeout is set.
func WithRetryPolicy(policy reliability.RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = policy
	}
}

// WithDefaultInvokeTimeout bounds every Invoke that sets no timeout of its own
func WithDefaultInvokeTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.invokeTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over manager. Channels are opened lazily.
func NewDispatcher(manager *ConnectionManager, options ...DispatcherOption) (*Dispatcher, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: nil connection manager", ErrInvalidConfiguration)
	}

	d := &Dispatcher{
		manager:  manager,
		hub:      manager.Hub(),
		poolSize: 10,
		retry:    reliability.NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 2.0, 5),
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.poolSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}
	if d.retry == nil {
		return nil, fmt.Errorf("%w: nil retry policy", ErrInvalidConfiguration)
	}
	if !reliability.Bounded(d.retry) && d.invokeTimeout <= 0 {
		return nil, fmt.Errorf("%w: unbounded retry policy needs an invoke timeout", ErrInvalidConfiguration)
	}

	d.logger = d.logger.With("role", string(manager.Role()))
	d.idle = make([]*slot, 0, d.poolSize)
	for range d.poolSize {
		d.idle = append(d.idle, &slot{})
	}

	return d, nil
}

// Acquire leases a usable channel, waiting for a free slot and for the
// connection as needed. The lease must be given back with Release.
func (d *Dispatcher) Acquire(ctx context.Context) (*PooledChannel, error) {
	s, err := d.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	pc, err := d.prepare(ctx, s)
	if err != nil {
		d.putSlot(s)
		return nil, err
	}

	pc.leased.Store(true)
	return pc, nil
}

// Get is an alias for Acquire
func (d *Dispatcher) Get(ctx context.Context) (*PooledChannel, error) {
	return d.Acquire(ctx)
}

// Release returns a leased channel to the pool. Closed or stale channels are
// dropped and reopened on the next lease. Releasing twice is a no-op.
func (d *Dispatcher) Release(pc *PooledChannel) {
	if pc == nil || !pc.leased.CompareAndSwap(true, false) {
		return
	}

	s := pc.slot
	if pc.IsClosed() || d.isClosed() {
		d.discard(s)
	}
	d.putSlot(s)
}

// Put is an alias for Release
func (d *Dispatcher) Put(pc *PooledChannel) {
	d.Release(pc)
}

// InvokeOption tunes a single Invoke
type InvokeOption func(*invokeConfig)

type invokeConfig struct {
	timeout time.Duration
	retry   reliability.RetryPolicy
	await   bool
}

// WithInvokeTimeout bounds the whole Invoke, retries included
func WithInvokeTimeout(timeout time.Duration) InvokeOption {
	return func(c *invokeConfig) {
		c.timeout = timeout
	}
}

// WithAwaitAction makes Invoke wait for a started action to return even when
// ctx ends first, so the caller always learns whether the action took effect.
// Cancellation still ends the wait for a channel.
func WithAwaitAction() InvokeOption {
	return func(c *invokeConfig) {
		c.await = true
	}
}

// WithInvokeRetry overrides the retry policy for one Invoke
func WithInvokeRetry(policy reliability.RetryPolicy) InvokeOption {
	return func(c *invokeConfig) {
		if policy != nil {
			c.retry = policy
		}
	}
}

// Invoke runs action on a leased channel. If the channel or connection fails
// underneath it, action is run again on a fresh channel under the retry
// policy; errors about the operation itself are returned as they are.
//
// Cancelling ctx returns promptly, but the channel stays leased until action
// itself returns. WithAwaitAction waits for the action instead.
func (d *Dispatcher) Invoke(ctx context.Context, action Action, options ...InvokeOption) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", ErrInvalidConfiguration)
	}

	cfg := invokeConfig{timeout: d.invokeTimeout, retry: d.retry}
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		err := d.invokeOnce(ctx, action, cfg.await)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		retry, delay := cfg.retry.ShouldRetry(attempt, err)
		if !retry {
			return &ChannelError{
				Op:        "invoke",
				ChannelID: "pool",
				Err:       fmt.Errorf("%w after %d attempts: %w", ErrTransportUnavailable, attempt+1, err),
				Timestamp: time.Now(),
			}
		}

		d.logger.Debug("retrying channel action",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		if err := reliability.Sleep(ctx, delay); err != nil {
			return &ChannelError{
				Op:        "invoke",
				ChannelID: "pool",
				Err:       contextError(err),
				Timestamp: time.Now(),
			}
		}
	}
}

// Execute is an alias for Invoke
func (d *Dispatcher) Execute(ctx context.Context, action Action) error {
	return d.Invoke(ctx, action)
}

// InvokeResult is Invoke for actions that produce a value
func InvokeResult[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context, ch *PooledChannel) (T, error), options ...InvokeOption) (T, error) {
	var result T
	err := d.Invoke(ctx, func(ctx context.Context, ch *PooledChannel) error {
		v, err := fn(ctx, ch)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, options...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (d *Dispatcher) invokeOnce(ctx context.Context, action Action, await bool) error {
	pc, err := d.Acquire(ctx)
	if err != nil {
		return err
	}

	if await {
		err := d.runAction(ctx, pc, action)
		d.Release(pc)
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := d.runAction(ctx, pc, action)
		d.Release(pc)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		return &ChannelError{
			Op:        "invoke",
			ChannelID: pc.id,
			Err:       contextError(ctx.Err()),
			Timestamp: time.Now(),
		}
	}
}

func (d *Dispatcher) runAction(ctx context.Context, pc *PooledChannel, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ChannelError{
				Op:        "invoke",
				ChannelID: pc.id,
				Err:       fmt.Errorf("action panicked: %v", r),
				Timestamp: time.Now(),
			}
		}
	}()

	err = action(ctx, pc)
	if err == nil || IsRetryable(err) || isChannelException(err) || ctx.Err() != nil {
		return err
	}

	// the action failed some other way while its channel went away under it
	if pc.IsClosed() || pc.generation != d.manager.Generation() {
		return &ChannelError{
			Op:        "invoke",
			ChannelID: pc.id,
			Err:       fmt.Errorf("%w: %w", ErrConnectionLost, err),
			Timestamp: time.Now(),
		}
	}
	return err
}

func (d *Dispatcher) acquireSlot(ctx context.Context) (*slot, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, d.disposedErr()
	}
	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: contextError(err), Timestamp: time.Now()}
	}
	if n := len(d.idle); n > 0 && len(d.waiters) == 0 {
		s := d.idle[n-1]
		d.idle = d.idle[:n-1]
		d.mu.Unlock()
		return s, nil
	}
	wait := make(chan *slot, 1)
	d.waiters = append(d.waiters, wait)
	d.mu.Unlock()

	select {
	case s := <-wait:
		if err := ctx.Err(); err != nil {
			d.putSlot(s)
			return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: contextError(err), Timestamp: time.Now()}
		}
		if d.isClosed() {
			d.putSlot(s)
			return nil, d.disposedErr()
		}
		return s, nil
	case <-ctx.Done():
		d.abandon(wait)
		return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: contextError(ctx.Err()), Timestamp: time.Now()}
	case <-d.done:
		d.abandon(wait)
		return nil, d.disposedErr()
	}
}

// abandon withdraws a waiter, passing on a slot it was handed meanwhile
func (d *Dispatcher) abandon(wait chan *slot) {
	d.mu.Lock()
	for i, w := range d.waiters {
		if w == wait {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			d.mu.Unlock()
			return
		}
	}
	d.mu.Unlock()

	d.putSlot(<-wait)
}

// putSlot hands s to the longest waiting caller, or parks it. Slots with an
// open channel are parked on top of the empty ones.
func (d *Dispatcher) putSlot(s *slot) {
	d.mu.Lock()
	if len(d.waiters) > 0 && !d.closed {
		wait := d.waiters[0]
		d.waiters = d.waiters[1:]
		d.mu.Unlock()
		wait <- s
		return
	}
	if s.ch != nil {
		d.idle = append(d.idle, s)
	} else {
		d.idle = append([]*slot{s}, d.idle...)
	}
	d.mu.Unlock()
}

// prepare makes sure s holds a channel that belongs to the live connection
func (d *Dispatcher) prepare(ctx context.Context, s *slot) (*PooledChannel, error) {
	if pc := s.ch; pc != nil {
		if !pc.IsClosed() && d.manager.IsConnected() && pc.generation == d.manager.Generation() {
			return pc, nil
		}
		d.discard(s)
	}

	conn, gen, err := d.manager.ensure(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelClosed, err),
			Timestamp: time.Now(),
		}
	}

	pc := &PooledChannel{
		Channel:    raw,
		id:         uuid.New().String(),
		generation: gen,
		slot:       s,
	}

	if d.confirm {
		if err := raw.Confirm(false); err != nil {
			_ = raw.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				ChannelID: pc.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	d.watch(pc)
	s.ch = pc
	d.open.Add(1)

	d.logger.Debug("opened channel", "channelId", pc.id, "generation", gen)
	return pc, nil
}

// watch forwards the channel's confirms, returns and closure to the hub
func (d *Dispatcher) watch(pc *PooledChannel) {
	closes := pc.NotifyClose(make(chan *amqp.Error, 1))

	var confirms <-chan amqp.Confirmation
	var returns <-chan amqp.Return
	if d.confirm {
		confirms = pc.NotifyPublish(make(chan amqp.Confirmation, 64))
		// unbuffered so a return is handled before the ack that follows it
		returns = pc.NotifyReturn(make(chan amqp.Return))
	}

	go d.pump(pc, confirms, returns, closes)
}

func (d *Dispatcher) pump(pc *PooledChannel, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return, closes <-chan *amqp.Error) {
	role := d.manager.Role()

	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			d.publishConfirm(pc.id, c)

		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			d.hub.Publish(returnedEvent(role, pc.id, r))

		case amqpErr, ok := <-closes:
			d.drainConfirms(pc.id, confirms)

			var reason error = ErrChannelClosed
			if ok && amqpErr != nil {
				reason = fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr)
			}
			d.logger.Debug("channel closed", "channelId", pc.id, "error", reason)
			d.hub.Publish(events.ChannelClosed{Role: role, ChannelID: pc.id, Reason: reason})
			return
		}
	}
}

// drainConfirms publishes confirms that were delivered before the close
func (d *Dispatcher) drainConfirms(channelID string, confirms <-chan amqp.Confirmation) {
	if confirms == nil {
		return
	}
	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				return
			}
			d.publishConfirm(channelID, c)
		default:
			return
		}
	}
}

func (d *Dispatcher) publishConfirm(channelID string, c amqp.Confirmation) {
	if c.Ack {
		d.hub.Publish(events.Ack{ChannelID: channelID, DeliveryTag: c.DeliveryTag})
		return
	}
	d.hub.Publish(events.Nack{ChannelID: channelID, DeliveryTag: c.DeliveryTag})
}

func (d *Dispatcher) discard(s *slot) {
	if s.ch == nil {
		return
	}
	if err := s.ch.Close(); err != nil && !s.ch.IsClosed() {
		d.logger.Debug("failed to close channel", "channelId", s.ch.id, "error", err)
	}
	s.ch = nil
	d.open.Add(-1)
}

// Size returns the number of open channels
func (d *Dispatcher) Size() int {
	return int(d.open.Load())
}

// Available returns the number of slots not leased
func (d *Dispatcher) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.idle)
}

// PoolSize returns the configured number of slots
func (d *Dispatcher) PoolSize() int {
	return d.poolSize
}

// Manager returns the connection manager channels are opened on
func (d *Dispatcher) Manager() *ConnectionManager {
	return d.manager
}

// Close closes idle channels and fails pending and future leases with
// ErrDisposed. Leased channels are closed when released.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	idle := d.idle
	d.idle = nil
	d.mu.Unlock()

	for _, s := range idle {
		d.discard(s)
		d.putSlot(s)
	}

	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) disposedErr() error {
	return &ChannelError{Op: "acquire", ChannelID: "pool", Err: ErrDisposed, Timestamp: time.Now()}
}

func returnedEvent(role events.Role, channelID string, r amqp.Return) events.Returned {
	return events.Returned{
		Role:      role,
		ChannelID: channelID,
		Body:      r.Body,
		Properties: events.Properties{
			Headers:         r.Headers,
			ContentType:     r.ContentType,
			ContentEncoding: r.ContentEncoding,
			DeliveryMode:    r.DeliveryMode,
			Priority:        r.Priority,
			CorrelationID:   r.CorrelationId,
			ReplyTo:         r.ReplyTo,
			Expiration:      r.Expiration,
			MessageID:       r.MessageId,
			Timestamp:       r.Timestamp,
			Type:            r.Type,
			UserID:          r.UserId,
			AppID:           r.AppId,
		},
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
		ReplyCode:  r.ReplyCode,
		Reason:     r.ReplyText,
	}
}
