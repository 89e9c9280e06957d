package mmate

import "github.com/glimte/mmate-bus/internal/rabbitmq"

// Outcome errors. Match them with errors.Is; context errors stay in the chain
// next to ErrCancelled and ErrOperationTimedOut.
var (
	ErrTransportUnavailable = rabbitmq.ErrTransportUnavailable
	ErrOperationTimedOut    = rabbitmq.ErrOperationTimedOut
	ErrCancelled            = rabbitmq.ErrCancelled
	ErrPublishRejected      = rabbitmq.ErrPublishRejected
	ErrPublishUnroutable    = rabbitmq.ErrPublishUnroutable
	ErrConnectionLost       = rabbitmq.ErrConnectionLost
	ErrDisposed             = rabbitmq.ErrDisposed
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrConsumerExists       = rabbitmq.ErrConsumerExists
	ErrConsumerNotFound     = rabbitmq.ErrConsumerNotFound
)

// Structured errors carrying the failed operation's context
type (
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	PublishError    = rabbitmq.PublishError
	ConsumerError   = rabbitmq.ConsumerError
)

// IsRetryable reports whether err is a transport failure worth retrying
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}
