package monitor

import (
	"errors"
	"sync"

	"github.com/glimte/mmate-bus/internal/events"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "mmate"

// Collector turns hub events and confirmation outcomes into Prometheus
// metrics. Collectors built on the same registerer share their metric vectors.
type Collector struct {
	hub *events.Hub

	connectionUp      *prometheus.GaugeVec
	connectionBlocked *prometheus.GaugeVec
	lifecycle         *prometheus.CounterVec
	returned          *prometheus.CounterVec
	channelsClosed    *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	pending           prometheus.Gauge

	mu     sync.Mutex
	tokens []events.Token
}

// CollectorOption configures a Collector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace   string
	constLabels prometheus.Labels
}

// WithNamespace sets the metric namespace, "mmate" by default
func WithNamespace(namespace string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithConstLabels attaches labels to every metric of the collector
func WithConstLabels(labels prometheus.Labels) CollectorOption {
	return func(c *collectorConfig) {
		c.constLabels = labels
	}
}

// NewCollector registers the bus metrics with reg (the default registerer
// when nil) and starts following hub.
func NewCollector(hub *events.Hub, reg prometheus.Registerer, options ...CollectorOption) (*Collector, error) {
	if hub == nil {
		return nil, errors.New("monitor: nil event hub")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	cfg := &collectorConfig{namespace: defaultNamespace}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Collector{hub: hub}
	var err error

	if c.connectionUp, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   cfg.namespace,
		Name:        "connection_up",
		Help:        "Whether the connection of a role is established (1) or not (0).",
		ConstLabels: cfg.constLabels,
	}, []string{"role"})); err != nil {
		return nil, err
	}
	if c.connectionBlocked, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   cfg.namespace,
		Name:        "connection_blocked",
		Help:        "Whether the broker applies flow control to the connection of a role.",
		ConstLabels: cfg.constLabels,
	}, []string{"role"})); err != nil {
		return nil, err
	}
	if c.lifecycle, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.namespace,
		Name:        "connection_events_total",
		Help:        "Connection lifecycle events by role and event.",
		ConstLabels: cfg.constLabels,
	}, []string{"role", "event"})); err != nil {
		return nil, err
	}
	if c.returned, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.namespace,
		Name:        "messages_returned_total",
		Help:        "Mandatory publishes the broker returned as unroutable.",
		ConstLabels: cfg.constLabels,
	}, []string{"role", "exchange"})); err != nil {
		return nil, err
	}
	if c.channelsClosed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.namespace,
		Name:        "channels_closed_total",
		Help:        "Pooled channels closed by the broker or the transport.",
		ConstLabels: cfg.constLabels,
	}, []string{"role"})); err != nil {
		return nil, err
	}
	if c.confirmations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.namespace,
		Name:        "publish_confirmations_total",
		Help:        "Terminal outcomes of confirmed publishes.",
		ConstLabels: cfg.constLabels,
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.pending, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.namespace,
		Name:        "pending_confirmations",
		Help:        "Publishes waiting for a broker confirm.",
		ConstLabels: cfg.constLabels,
	})); err != nil {
		return nil, err
	}

	c.tokens = []events.Token{
		events.Subscribe(hub, func(e events.Created) { c.up(e.Role, "created") }),
		events.Subscribe(hub, func(e events.Recovered) { c.up(e.Role, "recovered") }),
		events.Subscribe(hub, func(e events.Disconnected) {
			role := string(e.Role)
			c.connectionUp.WithLabelValues(role).Set(0)
			c.connectionBlocked.WithLabelValues(role).Set(0)
			c.lifecycle.WithLabelValues(role, "disconnected").Inc()
		}),
		events.Subscribe(hub, func(e events.Blocked) {
			c.connectionBlocked.WithLabelValues(string(e.Role)).Set(1)
			c.lifecycle.WithLabelValues(string(e.Role), "blocked").Inc()
		}),
		events.Subscribe(hub, func(e events.Unblocked) {
			c.connectionBlocked.WithLabelValues(string(e.Role)).Set(0)
			c.lifecycle.WithLabelValues(string(e.Role), "unblocked").Inc()
		}),
		events.Subscribe(hub, func(e events.Returned) {
			c.returned.WithLabelValues(string(e.Role), e.Exchange).Inc()
		}),
		events.Subscribe(hub, func(e events.ChannelClosed) {
			c.channelsClosed.WithLabelValues(string(e.Role)).Inc()
		}),
	}

	return c, nil
}

func (c *Collector) up(role events.Role, event string) {
	c.connectionUp.WithLabelValues(string(role)).Set(1)
	c.lifecycle.WithLabelValues(string(role), event).Inc()
}

// ObservePublish counts a publish the broker accepted and now owes a confirm
func (c *Collector) ObservePublish() {
	if c == nil {
		return
	}
	c.pending.Inc()
}

// ObserveConfirmation counts one terminal outcome of an observed publish
func (c *Collector) ObserveConfirmation(confirmation rabbitmq.Confirmation) {
	if c == nil {
		return
	}
	c.confirmations.WithLabelValues(confirmation.Outcome.String()).Inc()
	c.pending.Dec()
}

// Close stops following the hub. Registered metrics keep their last values.
func (c *Collector) Close() error {
	c.mu.Lock()
	tokens := c.tokens
	c.tokens = nil
	c.mu.Unlock()

	for _, token := range tokens {
		c.hub.Unsubscribe(token)
	}
	return nil
}

// register adds collector to reg, reusing a compatible collector that is
// already registered under the same descriptor
func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
