package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// Connection is the part of an AMQP connection the runtime relies on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the part of an AMQP channel the runtime relies on.
// *amqp.Channel satisfies it.
type Channel interface {
	Confirm(noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Endpoint is one broker address to try when connecting
type Endpoint struct {
	uri amqp.URI
}

// ParseEndpoint parses an amqp:// or amqps:// URL
func ParseEndpoint(raw string) (Endpoint, error) {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidConfiguration, sanitizeRaw(raw), err)
	}
	return Endpoint{uri: uri}, nil
}

// ParseEndpoints parses every URL, preserving order
func ParseEndpoints(raw []string) ([]Endpoint, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no broker endpoints", ErrInvalidConfiguration)
	}

	endpoints := make([]Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// NewEndpoint builds a plain amqp endpoint with guest credentials on the
// default virtual host.
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{uri: amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
	}}
}

// Host returns the broker host name
func (e Endpoint) Host() string { return e.uri.Host }

// Port returns the broker port
func (e Endpoint) Port() int { return e.uri.Port }

// URL returns the full URL, credentials included, for dialing
func (e Endpoint) URL() string { return e.uri.String() }

// Address returns the host and port reported in connection events
func (e Endpoint) Address() events.Address {
	return events.Address{Host: e.uri.Host, Port: e.uri.Port}
}

// String returns the URL without credentials
func (e Endpoint) String() string {
	if e.uri.Host == "" {
		return ""
	}
	vhost := e.uri.Vhost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s/%s", e.uri.Scheme, e.Address(), url.PathEscape(vhost))
}

// sanitizeRaw strips credentials from a URL that failed to parse
func sanitizeRaw(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// AMQPDialer dials real brokers with amqp091-go
type AMQPDialer struct {
	Config amqp.Config
}

// NewAMQPDialer returns a dialer announcing connectionName to the broker
func NewAMQPDialer(connectionName string) *AMQPDialer {
	props := amqp.NewConnectionProperties()
	if connectionName != "" {
		props.SetClientConnectionName(connectionName)
	}
	return &AMQPDialer{Config: amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	}}
}

// Dial connects to endpoint. A connection that completes after ctx is done is
// closed straight away.
func (d *AMQPDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(endpoint.URL(), d.Config)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpConnection{Connection: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
