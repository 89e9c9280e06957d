// Package rabbitmq provides the broker-facing runtime of the mmate bus.
//
// This package includes:
//   - ConnectionManager: Owns one connection per role and reconnects after outages
//   - Dispatcher: Runs actions on a bounded pool of channels, retrying transport failures
//   - ConfirmationTracker: Resolves every confirmed publish to a single outcome
//   - Publisher: Publishes on confirm-mode channels
//   - Consumer: Consumes queues and resumes them after reconnection
//
// Lifecycle changes, confirms, returns and channel closures are published on
// an events.Hub shared by these components.
package rabbitmq
