package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Outcome errors surfaced to callers
	ErrTransportUnavailable = errors.New("rabbitmq: transport unavailable")
	ErrOperationTimedOut    = errors.New("rabbitmq: operation timed out")
	ErrCancelled            = errors.New("rabbitmq: operation cancelled")
	ErrPublishRejected      = errors.New("rabbitmq: publish rejected by broker")
	ErrPublishUnroutable    = errors.New("rabbitmq: publish returned as unroutable")
	ErrConnectionLost       = errors.New("rabbitmq: connection lost")
	ErrDisposed             = errors.New("rabbitmq: disposed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrConsumerExists   = errors.New("rabbitmq: consumer already registered for queue")
	ErrConsumerNotFound = errors.New("rabbitmq: no consumer registered for queue")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Role      string    // Connection role
	Endpoint  string    // Endpoint, without credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s (%s) failed after %d attempts: %v", e.Op, e.Role, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s (%s) failed: %v", e.Op, e.Role, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err means the channel or connection under an
// operation went away, so the operation can be repeated on a fresh channel.
// Errors raised by the broker about the operation itself are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrDisposed),
		errors.Is(err, ErrTransportUnavailable),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrOperationTimedOut),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, amqp.ErrClosed):
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return !amqpErr.Server || amqpErr.Code == amqp.ConnectionForced
	}

	return false
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// isChannelException reports a broker-raised channel exception such as
// NOT_FOUND or PRECONDITION_FAILED.
func isChannelException(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Server && amqpErr.Code != amqp.ConnectionForced
}

// contextError maps a context error onto the error taxonomy while keeping the
// original context error in the chain.
func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrOperationTimedOut, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return err
	}
}
