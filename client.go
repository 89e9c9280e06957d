// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/monitor"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is an outgoing message
type Message = amqp.Publishing

// Delivery is an incoming message together with its delivery metadata
type Delivery = amqp.Delivery

// Handler processes one delivery. A nil error acks it, anything else nacks
// it back onto the queue.
type Handler = rabbitmq.MessageHandler

// Channel is a pooled broker channel leased to an Invoke action
type Channel = rabbitmq.PooledChannel

// Action runs with exclusive use of a channel
type Action = rabbitmq.Action

// PendingConfirmation completes once the broker settles a publish
type PendingConfirmation = rabbitmq.PendingConfirmation

// Confirmation is the terminal outcome of a publish
type Confirmation = rabbitmq.Confirmation

// Outcome classifies a Confirmation
type Outcome = rabbitmq.Outcome

const (
	OutcomeAcked          = rabbitmq.OutcomeAcked
	OutcomeRejected       = rabbitmq.OutcomeRejected
	OutcomeUnroutable     = rabbitmq.OutcomeUnroutable
	OutcomeConnectionLost = rabbitmq.OutcomeConnectionLost
	OutcomeTimedOut       = rabbitmq.OutcomeTimedOut
)

// PublishMessage is one entry of PublishBatch
type PublishMessage = rabbitmq.PublishMessage

// MessageProperties are the properties of a returned message
type MessageProperties = events.Properties

// ReturnedMessage is a mandatory publish the broker could not route
type ReturnedMessage struct {
	Body       []byte
	Properties MessageProperties
	Exchange   string
	RoutingKey string
	ReplyCode  uint16
	Reason     string
}

// Bus couples a producer and a consumer connection to the same broker
// endpoints. Publishing and consuming use separate connections so that
// broker flow control on publishers never stalls deliveries.
type Bus struct {
	config Config
	logger *slog.Logger
	hub    *events.Hub

	producer   *rabbitmq.ConnectionManager
	consumer   *rabbitmq.ConnectionManager
	publishing *rabbitmq.Dispatcher
	consuming  *rabbitmq.Dispatcher
	tracker    *rabbitmq.ConfirmationTracker
	publisher  *rabbitmq.Publisher
	subscriber *rabbitmq.Consumer

	collector *monitor.Collector
	health    *monitor.Registry
	hooks     []events.Token

	closeOnce sync.Once
	closeErr  error
}

// NewBus creates a bus and starts connecting in the background. Only invalid
// configuration fails here; an unreachable broker is retried per the
// reconnect policy.
func NewBus(options ...ClientOption) (*Bus, error) {
	cfg := &clientConfig{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	if err := cfg.config.Validate(); err != nil {
		return nil, err
	}
	endpoints, err := rabbitmq.ParseEndpoints(cfg.config.Endpoints)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		config: cfg.config,
		logger: cfg.logger,
		hub:    events.NewHub(events.WithHubLogger(cfg.logger)),
		health: cfg.health,
	}
	if b.health == nil {
		b.health = monitor.NewRegistry()
	}
	b.hooks = cfg.hooks.subscribe(b.hub)

	if err := b.build(cfg, endpoints); err != nil {
		_ = b.Close()
		return nil, err
	}

	if err := b.producer.Start(); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.consumer.Start(); err != nil {
		_ = b.Close()
		return nil, err
	}

	b.logger.Info("bus started",
		"endpoints", len(endpoints),
		"first", endpoints[0].String(),
		"poolSize", b.config.PoolSize)

	return b, nil
}

func (b *Bus) build(cfg *clientConfig, endpoints []rabbitmq.Endpoint) error {
	var err error

	if cfg.registerer != nil {
		if b.collector, err = monitor.NewCollector(b.hub, cfg.registerer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	if b.producer, err = b.newManager(events.RoleProducer, endpoints, cfg.dialer); err != nil {
		return err
	}
	if b.consumer, err = b.newManager(events.RoleConsumer, endpoints, cfg.dialer); err != nil {
		return err
	}

	if b.publishing, err = rabbitmq.NewDispatcher(b.producer,
		rabbitmq.WithMaxSize(b.config.PoolSize),
		rabbitmq.WithConfirmMode(true),
		rabbitmq.WithRetryPolicy(b.config.invokePolicy()),
		rabbitmq.WithDefaultInvokeTimeout(b.config.InvokeTimeout),
		rabbitmq.WithChannelLogger(b.logger),
	); err != nil {
		return err
	}
	if b.consuming, err = rabbitmq.NewDispatcher(b.consumer,
		rabbitmq.WithMaxSize(b.config.MaxConsumers),
		rabbitmq.WithRetryPolicy(b.config.invokePolicy()),
		rabbitmq.WithDefaultInvokeTimeout(b.config.InvokeTimeout),
		rabbitmq.WithChannelLogger(b.logger),
	); err != nil {
		return err
	}

	if b.tracker, err = rabbitmq.NewConfirmationTracker(b.hub, events.RoleProducer, &rabbitmq.ConfirmationTrackerOptions{
		Timeout:    b.config.ConfirmTimeout,
		OnResolved: b.observeConfirmation,
		Logger:     b.logger,
	}); err != nil {
		return err
	}

	if b.publisher, err = rabbitmq.NewPublisher(b.publishing, b.tracker,
		rabbitmq.WithMandatory(b.config.Mandatory),
		rabbitmq.WithPublishObserver(b.observePublish),
		rabbitmq.WithPublisherLogger(b.logger),
	); err != nil {
		return err
	}

	if b.subscriber, err = rabbitmq.NewConsumer(b.consuming,
		rabbitmq.WithPrefetchCount(b.config.PrefetchCount),
		rabbitmq.WithHandlerTimeout(b.config.HandlerTimeout),
		rabbitmq.WithConsumerTag(b.config.ConnectionName),
		rabbitmq.WithConsumerLogger(b.logger),
	); err != nil {
		return err
	}

	b.health.Register(monitor.NewConnectionChecker(b.producer))
	b.health.Register(monitor.NewConnectionChecker(b.consumer))
	return nil
}

func (b *Bus) newManager(role events.Role, endpoints []rabbitmq.Endpoint, dialer rabbitmq.Dialer) (*rabbitmq.ConnectionManager, error) {
	if dialer == nil {
		dialer = rabbitmq.NewAMQPDialer(fmt.Sprintf("%s (%s)", b.config.ConnectionName, role))
	}
	return rabbitmq.NewConnectionManager(role, endpoints, b.hub,
		rabbitmq.WithLogger(b.logger),
		rabbitmq.WithDialer(dialer),
		rabbitmq.WithReconnectPolicy(b.config.reconnectPolicy()),
		rabbitmq.WithMaxRetries(b.config.Reconnect.MaxAttempts),
		rabbitmq.WithDialTimeout(b.config.DialTimeout),
	)
}

func (b *Bus) observePublish(*PendingConfirmation) {
	b.collector.ObservePublish()
}

func (b *Bus) observeConfirmation(c Confirmation) {
	b.collector.ObserveConfirmation(c)
}

// Connect waits until both connections are established
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.producer.Connect(ctx); err != nil {
		return err
	}
	return b.consumer.Connect(ctx)
}

// Publish sends msg and waits for the broker to confirm it. A nacked publish
// fails with ErrPublishRejected, an unroutable one with ErrPublishUnroutable.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	pending, err := b.PublishAsync(ctx, exchange, routingKey, msg)
	if err != nil {
		return err
	}

	confirmation, err := pending.Wait(ctx)
	if err == nil {
		err = confirmation.Err()
	}
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  b.config.Mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// PublishAsync sends msg and returns once the broker has it. The returned
// handle completes with exactly one outcome.
func (b *Bus) PublishAsync(ctx context.Context, exchange, routingKey string, msg Message) (*PendingConfirmation, error) {
	return b.publisher.Publish(ctx, exchange, routingKey, msg)
}

// PublishBatch publishes every message and waits for all confirms
func (b *Bus) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	return b.publisher.PublishBatch(ctx, messages)
}

// Subscribe consumes queue with handler until Unsubscribe or Close. The
// consumer is re-established after every reconnection.
func (b *Bus) Subscribe(ctx context.Context, queue string, handler Handler) error {
	return b.subscriber.Subscribe(ctx, queue, handler)
}

// Unsubscribe stops consuming queue
func (b *Bus) Unsubscribe(queue string) error {
	return b.subscriber.Unsubscribe(queue)
}

// Subscriptions returns the queues currently consumed
func (b *Bus) Subscriptions() []string {
	return b.subscriber.ActiveConsumers()
}

// Invoke runs action on a channel of the producer connection, retrying it on
// a fresh channel after transport failures.
func (b *Bus) Invoke(ctx context.Context, action Action) error {
	return b.publishing.Invoke(ctx, action)
}

// IsConnected reports whether both connections are usable
func (b *Bus) IsConnected() bool {
	return b.producer.IsConnected() && b.consumer.IsConnected()
}

// Health returns the registry holding the connection checks of the bus
func (b *Bus) Health() *monitor.Registry {
	return b.health
}

// Close stops consumers, resolves unconfirmed publishes as lost and closes
// both connections. Safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		var errs []error

		if b.subscriber != nil {
			errs = append(errs, b.subscriber.Close())
		}
		if b.publisher != nil {
			errs = append(errs, b.publisher.Close())
		}
		if b.consuming != nil {
			errs = append(errs, b.consuming.Close())
		}
		if b.publishing != nil {
			errs = append(errs, b.publishing.Close())
		}
		if b.tracker != nil {
			errs = append(errs, b.tracker.Close())
		}
		if b.consumer != nil {
			errs = append(errs, b.consumer.Dispose())
		}
		if b.producer != nil {
			errs = append(errs, b.producer.Dispose())
		}
		if b.collector != nil {
			errs = append(errs, b.collector.Close())
		}
		for _, token := range b.hooks {
			b.hub.Unsubscribe(token)
		}

		b.closeErr = errors.Join(errs...)
		b.logger.Info("bus closed")
	})
	return b.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	config     Config
	logger     *slog.Logger
	dialer     rabbitmq.Dialer
	registerer prometheus.Registerer
	health     *monitor.Registry
	hooks      hooks
}

// ClientOption configures the bus
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConfig replaces the whole configuration
func WithConfig(config Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config = config
	}
}

// WithEndpoints sets the broker URLs, tried in order
func WithEndpoints(urls ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config.Endpoints = urls
	}
}

// WithPoolSize sets the number of publishing channels
func WithPoolSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config.PoolSize = size
	}
}

// WithConfirmTimeout sets how long a publish may wait for its confirm
func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.config.ConfirmTimeout = timeout
	}
}

// WithMetricsRegisterer exports bus metrics to reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithHealthRegistry adds the connection checks to an existing registry
func WithHealthRegistry(registry *monitor.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.health = registry
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}
