package events

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Role tags a logical connection. A bus keeps one connection per role so that
// publisher flow control never stalls consumers.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Address is the broker endpoint a connection event refers to
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	if a.Host == "" {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Event is implemented only by the variants declared in this package.
type Event interface {
	event()
}

// Created is published the first time a connection is established
type Created struct {
	Role    Role
	Address Address
}

// Recovered is published when a connection is re-established after an outage
type Recovered struct {
	Role    Role
	Address Address
}

// Disconnected is published once per outage, before any reconnect attempt
type Disconnected struct {
	Role    Role
	Address Address
	Reason  error
}

// Blocked is published when the broker applies flow control to a connection
type Blocked struct {
	Role    Role
	Address Address
	Reason  string
}

// Unblocked is published when the broker lifts flow control
type Unblocked struct {
	Role    Role
	Address Address
}

// Properties are the message properties of a returned message
type Properties struct {
	Headers         map[string]interface{}
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Returned is published when the broker sends back an unroutable mandatory publish
type Returned struct {
	Role       Role
	ChannelID  string
	Body       []byte
	Properties Properties
	Exchange   string
	RoutingKey string
	ReplyCode  uint16
	Reason     string
}

// Ack is a publisher confirm for DeliveryTag (or everything up to it when Multiple)
type Ack struct {
	ChannelID   string
	DeliveryTag uint64
	Multiple    bool
}

// Nack is a negative publisher confirm, matched like Ack
type Nack struct {
	ChannelID   string
	DeliveryTag uint64
	Multiple    bool
}

// ChannelClosed is published when a single channel becomes unusable
type ChannelClosed struct {
	Role      Role
	ChannelID string
	Reason    error
}

func (Created) event()       {}
func (Recovered) event()     {}
func (Disconnected) event()  {}
func (Blocked) event()       {}
func (Unblocked) event()     {}
func (Returned) event()      {}
func (Ack) event()           {}
func (Nack) event()          {}
func (ChannelClosed) event() {}

func (e Disconnected) String() string {
	return fmt.Sprintf("%s disconnected from %s: %v", e.Role, e.Address, e.Reason)
}
