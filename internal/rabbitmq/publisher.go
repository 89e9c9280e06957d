package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages on confirm-mode channels and hands back a pending
// confirmation per publish
type Publisher struct {
	dispatcher     *Dispatcher
	tracker        *ConfirmationTracker
	mandatory      bool
	publishTimeout time.Duration
	onPublished    func(*PendingConfirmation)
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds sending a message when the caller's context has
// no deadline. Waiting for the confirm is bounded by the tracker.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithMandatory sets the mandatory flag, so unroutable messages are returned
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublishObserver calls fn for every publish the broker accepted, before
// Publish returns. fn must not block.
func WithPublishObserver(fn func(*PendingConfirmation)) PublisherOption {
	return func(p *Publisher) {
		p.onPublished = fn
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. dispatcher must be in confirm mode.
func NewPublisher(dispatcher *Dispatcher, tracker *ConfirmationTracker, options ...PublisherOption) (*Publisher, error) {
	if dispatcher == nil || tracker == nil {
		return nil, fmt.Errorf("%w: publisher needs a dispatcher and a confirmation tracker", ErrInvalidConfiguration)
	}
	if !dispatcher.confirm {
		return nil, fmt.Errorf("%w: dispatcher is not in confirm mode", ErrInvalidConfiguration)
	}

	p := &Publisher{
		dispatcher:     dispatcher,
		tracker:        tracker,
		mandatory:      true,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p, nil
}

// Publish sends msg and returns once the broker has it in flight. The
// returned confirmation resolves when the broker confirms, rejects or
// returns the message, or when the channel goes away first.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (*PendingConfirmation, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var pending *PendingConfirmation
	err := p.dispatcher.Invoke(ctx, func(ctx context.Context, ch *PooledChannel) error {
		seq := ch.GetNextPublishSeqNo()
		pc, err := p.tracker.Register(ch.ID(), seq)
		if err != nil {
			return err
		}

		if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, stamp(msg, ch.ID(), seq)); err != nil {
			p.tracker.Discard(pc)
			return err
		}

		pending = pc
		return nil
	}, WithAwaitAction())
	if err != nil {
		return nil, &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  p.mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if p.onPublished != nil {
		p.onPublished(pending)
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"channelId", pending.ChannelID,
		"sequence", pending.Sequence)

	return pending, nil
}

// PublishAndWait publishes msg and waits for its outcome. Any outcome other
// than a broker ack is returned as an error.
func (p *Publisher) PublishAndWait(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	pending, err := p.Publish(ctx, exchange, routingKey, msg)
	if err != nil {
		return err
	}

	return p.await(ctx, exchange, routingKey, pending)
}

// PublishBatch publishes every message, then waits for all outcomes. Failed
// messages are reported together.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	type inFlight struct {
		msg     PublishMessage
		pending *PendingConfirmation
	}

	var errs []error
	sent := make([]inFlight, 0, len(messages))
	for i, msg := range messages {
		pending, err := p.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Message)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		sent = append(sent, inFlight{msg: msg, pending: pending})
	}

	for i, f := range sent {
		if err := p.await(ctx, f.msg.Exchange, f.msg.RoutingKey, f.pending); err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) await(ctx context.Context, exchange, routingKey string, pending *PendingConfirmation) error {
	confirmation, err := pending.Wait(ctx)
	if err == nil {
		err = confirmation.Err()
	}
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  p.mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Close closes the publisher. The dispatcher and tracker are owned by the
// caller.
func (p *Publisher) Close() error {
	return nil
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// stamp returns msg with the confirmation header set, leaving the caller's
// header table untouched
func stamp(msg amqp.Publishing, channelID string, seq uint64) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[ConfirmationHeader] = confirmationID(channelID, seq)
	msg.Headers = headers
	return msg
}
