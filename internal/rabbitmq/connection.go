package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
	"github.com/glimte/mmate-bus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConnectionManager
type State int

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateBlocked
	StateDisconnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBlocked:
		return "blocked"
	case StateDisconnected:
		return "disconnected"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionManager owns one logical broker connection for a role and keeps
// it alive: it dials the configured endpoints in order, announces every
// lifecycle change on the hub and reconnects after outages until disposed.
type ConnectionManager struct {
	role        events.Role
	endpoints   []Endpoint
	hub         *events.Hub
	dialer      Dialer
	backoff     reliability.RetryPolicy
	maxRetries  int
	dialTimeout time.Duration
	logger      *slog.Logger

	mu            sync.Mutex
	state         State
	conn          Connection
	endpoint      Endpoint
	generation    uint64
	connectedOnce bool
	disposed      bool
	failure       error
	// closed and replaced on every state change
	changed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionLogger is an alias for WithLogger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return WithLogger(logger)
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithReconnectDelay sets the initial delay of the default backoff
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if eb, ok := cm.backoff.(*reliability.ExponentialBackoff); ok {
			eb.InitialInterval = delay
			if eb.MaxInterval < delay {
				eb.MaxInterval = delay
			}
		}
	}
}

// WithReconnectPolicy sets the delay curve between reconnection attempts
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// WithMaxRetries caps the failed attempts of one outage. Zero or less retries
// forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a manager for role. Nothing is dialed until
// Start, Connect or EnsureConnected is called.
func NewConnectionManager(role events.Role, endpoints []Endpoint, hub *events.Hub, options ...ConnectionOption) (*ConnectionManager, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no broker endpoints", ErrInvalidConfiguration)
	}
	if hub == nil {
		return nil, fmt.Errorf("%w: nil event hub", ErrInvalidConfiguration)
	}

	cm := &ConnectionManager{
		role:        role,
		endpoints:   append([]Endpoint(nil), endpoints...),
		hub:         hub,
		backoff:     reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, -1),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		changed:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.backoff == nil {
		return nil, fmt.Errorf("%w: nil reconnect policy", ErrInvalidConfiguration)
	}
	if cm.dialer == nil {
		cm.dialer = NewAMQPDialer(string(role))
	}
	cm.logger = cm.logger.With("role", string(role))
	cm.ctx, cm.cancel = context.WithCancel(context.Background())

	return cm, nil
}

// Role returns the role this connection serves
func (cm *ConnectionManager) Role() events.Role {
	return cm.role
}

// Hub returns the hub lifecycle events are published on
func (cm *ConnectionManager) Hub() *events.Hub {
	return cm.hub
}

// Start begins connecting in the background and returns immediately. It is a
// no-op once started.
func (cm *ConnectionManager) Start() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch cm.state {
	case StateInitial:
	case StateDisposed:
		return cm.disposedErrLocked()
	default:
		return nil
	}

	cm.setStateLocked(StateConnecting)
	cm.wg.Add(1)
	go cm.run()

	return nil
}

// Connect starts the manager and waits until the connection is usable
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	_, err := cm.EnsureConnected(ctx)
	return err
}

// EnsureConnected suspends until the connection is usable and returns it.
// A blocked connection counts as usable. Cancelling ctx abandons the wait but
// not the reconnection.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) (Connection, error) {
	conn, _, err := cm.ensure(ctx)
	return conn, err
}

func (cm *ConnectionManager) ensure(ctx context.Context) (Connection, uint64, error) {
	if err := cm.Start(); err != nil {
		return nil, 0, err
	}

	for {
		cm.mu.Lock()
		state, conn, gen, changed := cm.state, cm.conn, cm.generation, cm.changed
		var disposedErr error
		if state == StateDisposed {
			disposedErr = cm.disposedErrLocked()
		}
		cm.mu.Unlock()

		switch state {
		case StateConnected, StateBlocked:
			return conn, gen, nil
		case StateDisposed:
			return nil, 0, disposedErr
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, 0, &ConnectionError{
				Op:        "ensure connected",
				Role:      string(cm.role),
				Err:       contextError(ctx.Err()),
				Timestamp: time.Now(),
			}
		}
	}
}

// IsConnected reports whether the connection is currently usable
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected || cm.state == StateBlocked
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Endpoint returns the endpoint of the current or most recent connection
func (cm *ConnectionManager) Endpoint() Endpoint {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.endpoint
}

// Generation increases every time a new connection is established. Channels
// opened on an older generation are stale.
func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.generation
}

// Dispose closes the connection and stops reconnecting. No events are
// published once Dispose has been called. Safe to call more than once.
func (cm *ConnectionManager) Dispose() error {
	cm.mu.Lock()
	if cm.disposed {
		cm.mu.Unlock()
		return nil
	}
	cm.disposed = true
	conn := cm.conn
	cm.conn = nil
	cm.setStateLocked(StateDisposed)
	cm.cancel()
	cm.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = &ConnectionError{
				Op:        "close",
				Role:      string(cm.role),
				Endpoint:  cm.Endpoint().String(),
				Err:       cerr,
				Timestamp: time.Now(),
			}
		}
	}

	cm.wg.Wait()
	cm.logger.Info("connection disposed")

	return err
}

// Close is an alias for Dispose
func (cm *ConnectionManager) Close() error {
	return cm.Dispose()
}

func (cm *ConnectionManager) run() {
	defer cm.wg.Done()

	attempts := 0
	for {
		conn, endpoint, err := cm.dial()
		if err != nil {
			if cm.ctx.Err() != nil {
				return
			}

			attempts++
			if cm.maxRetries > 0 && attempts >= cm.maxRetries {
				cm.fail(err, attempts)
				return
			}

			delay := cm.backoff.NextDelay(attempts - 1)
			cm.logger.Warn("connection attempt failed",
				"attempt", attempts,
				"nextRetryIn", delay,
				"error", err)

			if !cm.waitReconnect(delay) {
				return
			}
			continue
		}

		attempts = 0
		if !cm.serve(conn, endpoint) {
			return
		}

		if !cm.waitReconnect(cm.backoff.NextDelay(0)) {
			return
		}
	}
}

// dial tries every endpoint in order and returns the first connection
func (cm *ConnectionManager) dial() (Connection, Endpoint, error) {
	var errs []error

	for _, endpoint := range cm.endpoints {
		ctx, cancel := context.WithTimeout(cm.ctx, cm.dialTimeout)
		conn, err := cm.dialer.Dial(ctx, endpoint)
		cancel()

		if err == nil {
			return conn, endpoint, nil
		}
		if cm.ctx.Err() != nil {
			return nil, Endpoint{}, cm.ctx.Err()
		}

		cm.logger.Debug("endpoint unreachable", "endpoint", endpoint.String(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
	}

	return nil, Endpoint{}, errors.Join(errs...)
}

// serve watches an established connection until it closes. It returns false
// when the manager was disposed meanwhile.
func (cm *ConnectionManager) serve(conn Connection, endpoint Endpoint) bool {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	cm.mu.Lock()
	if cm.state == StateDisposed {
		cm.mu.Unlock()
		_ = conn.Close()
		return false
	}
	cm.conn = conn
	cm.endpoint = endpoint
	cm.generation++
	first := !cm.connectedOnce
	cm.connectedOnce = true
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	addr := endpoint.Address()
	if first {
		cm.logger.Info("connected to RabbitMQ", "endpoint", endpoint.String())
		cm.emit(events.Created{Role: cm.role, Address: addr})
	} else {
		cm.logger.Info("reconnected to RabbitMQ", "endpoint", endpoint.String())
		cm.emit(events.Recovered{Role: cm.role, Address: addr})
	}

	for {
		select {
		case b, ok := <-blockCh:
			if !ok {
				blockCh = nil
				continue
			}
			if b.Active {
				if cm.transition(StateConnected, StateBlocked) {
					cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
					cm.emit(events.Blocked{Role: cm.role, Address: addr, Reason: b.Reason})
				}
			} else if cm.transition(StateBlocked, StateConnected) {
				cm.logger.Info("connection unblocked")
				cm.emit(events.Unblocked{Role: cm.role, Address: addr})
			}

		case amqpErr, ok := <-closeCh:
			var reason error = ErrConnectionLost
			if ok && amqpErr != nil {
				reason = fmt.Errorf("%w: %w", ErrConnectionLost, amqpErr)
			}

			cm.mu.Lock()
			if cm.state == StateDisposed {
				cm.mu.Unlock()
				return false
			}
			cm.conn = nil
			cm.setStateLocked(StateDisconnected)
			cm.mu.Unlock()

			cm.logger.Warn("connection lost", "endpoint", endpoint.String(), "error", reason)
			cm.emit(events.Disconnected{Role: cm.role, Address: addr, Reason: reason})
			return true

		case <-cm.ctx.Done():
			return false
		}
	}
}

// waitReconnect parks the manager in Disconnected for delay, then moves it to
// Connecting. It returns false when disposed meanwhile.
func (cm *ConnectionManager) waitReconnect(delay time.Duration) bool {
	cm.transition(StateConnecting, StateDisconnected)

	if err := reliability.Sleep(cm.ctx, delay); err != nil {
		return false
	}

	return cm.transition(StateDisconnected, StateConnecting)
}

// fail gives up after the attempt cap and leaves the manager disposed
func (cm *ConnectionManager) fail(err error, attempts int) {
	cm.mu.Lock()
	if cm.state == StateDisposed {
		cm.mu.Unlock()
		return
	}
	cm.failure = &ConnectionError{
		Op:        "connect",
		Role:      string(cm.role),
		Err:       fmt.Errorf("%w: %w", ErrTransportUnavailable, err),
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
	cm.setStateLocked(StateDisposed)
	cm.cancel()
	cm.mu.Unlock()

	cm.logger.Error("giving up on connection", "attempts", attempts, "error", err)
}

// emit drops lifecycle events once the manager is disposed
func (cm *ConnectionManager) emit(event events.Event) {
	cm.mu.Lock()
	stopped := cm.disposed || cm.state == StateDisposed
	cm.mu.Unlock()
	if stopped {
		return
	}
	cm.hub.Publish(event)
}

func (cm *ConnectionManager) transition(from, to State) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != from {
		return false
	}
	cm.setStateLocked(to)
	return true
}

func (cm *ConnectionManager) setStateLocked(state State) {
	if cm.state == state {
		return
	}
	cm.state = state
	close(cm.changed)
	cm.changed = make(chan struct{})
}

func (cm *ConnectionManager) disposedErrLocked() error {
	if cm.failure != nil {
		return cm.failure
	}
	return &ConnectionError{
		Op:        "ensure connected",
		Role:      string(cm.role),
		Err:       ErrDisposed,
		Timestamp: time.Now(),
	}
}
