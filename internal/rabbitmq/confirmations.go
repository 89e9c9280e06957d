package rabbitmq

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/internal/events"
)

// ConfirmationHeader carries "<channel id>/<sequence>" on every confirmed
// publish so a returned message can be matched to its publish.
const ConfirmationHeader = "x-mmate-confirmation-id"

// dead channel ids remembered to refuse late registrations
const deadChannelMemory = 1024

// Outcome is the terminal result of a confirmed publish
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeRejected
	OutcomeUnroutable
	OutcomeConnectionLost
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnroutable:
		return "unroutable"
	case OutcomeConnectionLost:
		return "connection lost"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Confirmation is the resolved outcome of one publish
type Confirmation struct {
	ChannelID string
	Sequence  uint64
	Outcome   Outcome
	// Returned is set for unroutable publishes
	Returned *events.Returned
	// Reason is set when the channel or connection went away
	Reason error
}

// Err converts the outcome to an error, nil when acked
func (c Confirmation) Err() error {
	switch c.Outcome {
	case OutcomeAcked:
		return nil
	case OutcomeRejected:
		return fmt.Errorf("%w: sequence %d on channel %s", ErrPublishRejected, c.Sequence, c.ChannelID)
	case OutcomeUnroutable:
		if c.Returned != nil {
			return fmt.Errorf("%w: %d %s", ErrPublishUnroutable, c.Returned.ReplyCode, c.Returned.Reason)
		}
		return ErrPublishUnroutable
	case OutcomeTimedOut:
		return fmt.Errorf("%w: no confirm for sequence %d on channel %s", ErrOperationTimedOut, c.Sequence, c.ChannelID)
	default:
		if c.Reason != nil {
			return fmt.Errorf("%w: %w", ErrConnectionLost, c.Reason)
		}
		return ErrConnectionLost
	}
}

// PendingConfirmation resolves exactly once with the publish outcome
type PendingConfirmation struct {
	ChannelID string
	Sequence  uint64
	CreatedAt time.Time
	Deadline  time.Time

	// guarded by the tracker lock
	returned *events.Returned

	once   sync.Once
	done   chan struct{}
	result Confirmation
}

func newPendingConfirmation(channelID string, seq uint64, timeout time.Duration) *PendingConfirmation {
	now := time.Now()
	p := &PendingConfirmation{
		ChannelID: channelID,
		Sequence:  seq,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
	if timeout > 0 {
		p.Deadline = now.Add(timeout)
	}
	return p
}

// Done is closed once the outcome is known
func (p *PendingConfirmation) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the outcome is known or ctx is done
func (p *PendingConfirmation) Wait(ctx context.Context) (Confirmation, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Confirmation{}, contextError(ctx.Err())
	}
}

// Result returns the outcome without blocking
func (p *PendingConfirmation) Result() (Confirmation, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Confirmation{}, false
	}
}

// IsCompleted returns true once the outcome is known
func (p *PendingConfirmation) IsCompleted() bool {
	_, ok := p.Result()
	return ok
}

func (p *PendingConfirmation) resolve(outcome Outcome, returned *events.Returned, reason error) bool {
	resolved := false
	p.once.Do(func() {
		p.result = Confirmation{
			ChannelID: p.ChannelID,
			Sequence:  p.Sequence,
			Outcome:   outcome,
			Returned:  returned,
			Reason:    reason,
		}
		close(p.done)
		resolved = true
	})
	return resolved
}

type channelConfirms struct {
	pending map[uint64]*PendingConfirmation
	last    uint64
}

// ConfirmationTracker matches broker confirms, returns and channel closures
// to pending publishes.
type ConfirmationTracker struct {
	hub           *events.Hub
	role          events.Role
	timeout       time.Duration
	sweepInterval time.Duration
	onResolved    func(Confirmation)
	logger        *slog.Logger

	mu        sync.Mutex
	channels  map[string]*channelConfirms
	dead      map[string]struct{}
	deadOrder []string
	closed    bool
	tokens    []events.Token

	done chan struct{}
	wg   sync.WaitGroup
}

// ConfirmationTrackerOptions configures the tracker
type ConfirmationTrackerOptions struct {
	// Timeout resolves a publish as timed out when no confirm arrives in
	// time. Zero waits forever.
	Timeout       time.Duration
	SweepInterval time.Duration
	// OnResolved observes every terminal outcome. It runs on the goroutine
	// that resolved the publish and must not block.
	OnResolved func(Confirmation)
	Logger     *slog.Logger
}

// NewConfirmationTracker creates a tracker listening on hub for events about
// channels of role
func NewConfirmationTracker(hub *events.Hub, role events.Role, opts *ConfirmationTrackerOptions) (*ConfirmationTracker, error) {
	if hub == nil {
		return nil, fmt.Errorf("%w: nil event hub", ErrInvalidConfiguration)
	}
	if opts == nil {
		opts = &ConfirmationTrackerOptions{}
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative confirmation timeout", ErrInvalidConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = min(max(opts.Timeout/4, 10*time.Millisecond), time.Second)
	}

	t := &ConfirmationTracker{
		hub:           hub,
		role:          role,
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		onResolved:    opts.OnResolved,
		logger:        opts.Logger.With("role", string(role)),
		channels:      make(map[string]*channelConfirms),
		dead:          make(map[string]struct{}),
		done:          make(chan struct{}),
	}

	t.tokens = []events.Token{
		events.Subscribe(hub, t.onAck),
		events.Subscribe(hub, t.onNack),
		events.Subscribe(hub, t.onReturned),
		events.Subscribe(hub, t.onChannelClosed),
		events.Subscribe(hub, t.onDisconnected),
	}

	if t.timeout > 0 {
		t.wg.Add(1)
		go t.sweepRoutine()
	}

	return t, nil
}

// Register records a publish about to be sent as seq on channelID. It fails
// with ErrConnectionLost when the channel is already known to be closed.
func (t *ConfirmationTracker) Register(channelID string, seq uint64) (*PendingConfirmation, error) {
	if channelID == "" || seq == 0 {
		return nil, fmt.Errorf("%w: confirmation needs a channel and a sequence number", ErrInvalidConfiguration)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrDisposed
	}
	if _, dead := t.dead[channelID]; dead {
		return nil, &ChannelError{Op: "register confirmation", ChannelID: channelID, Err: ErrConnectionLost, Timestamp: time.Now()}
	}

	cc := t.channels[channelID]
	if cc == nil {
		cc = &channelConfirms{pending: make(map[uint64]*PendingConfirmation)}
		t.channels[channelID] = cc
	}
	if _, dup := cc.pending[seq]; dup {
		return nil, fmt.Errorf("%w: sequence %d already pending on channel %s", ErrInvalidConfiguration, seq, channelID)
	}

	p := newPendingConfirmation(channelID, seq, t.timeout)
	cc.pending[seq] = p
	cc.last = max(cc.last, seq)

	return p, nil
}

// Discard forgets a pending publish that never reached the broker
func (t *ConfirmationTracker) Discard(p *PendingConfirmation) {
	if p == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cc := t.channels[p.ChannelID]; cc != nil && cc.pending[p.Sequence] == p {
		delete(cc.pending, p.Sequence)
	}
}

// PendingCount returns the number of unresolved publishes
func (t *ConfirmationTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, cc := range t.channels {
		n += len(cc.pending)
	}
	return n
}

// Close stops tracking and resolves everything still pending as connection
// lost. Safe to call more than once.
func (t *ConfirmationTracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var remaining []*PendingConfirmation
	for id := range t.channels {
		remaining = append(remaining, t.takeChannelLocked(id)...)
	}
	t.mu.Unlock()

	for _, token := range t.tokens {
		t.hub.Unsubscribe(token)
	}
	close(t.done)
	t.wg.Wait()

	t.resolveAll(remaining, OutcomeConnectionLost, ErrDisposed)
	return nil
}

func (t *ConfirmationTracker) onAck(e events.Ack) {
	t.settle(e.ChannelID, e.DeliveryTag, e.Multiple, true)
}

func (t *ConfirmationTracker) onNack(e events.Nack) {
	t.settle(e.ChannelID, e.DeliveryTag, e.Multiple, false)
}

func (t *ConfirmationTracker) settle(channelID string, tag uint64, multiple, ack bool) {
	type settled struct {
		p        *PendingConfirmation
		returned *events.Returned
	}

	t.mu.Lock()
	cc := t.channels[channelID]
	if cc == nil {
		t.mu.Unlock()
		return
	}

	var matched []settled
	if multiple {
		for seq, p := range cc.pending {
			if seq <= tag {
				matched = append(matched, settled{p: p, returned: p.returned})
				delete(cc.pending, seq)
			}
		}
		slices.SortFunc(matched, func(a, b settled) int {
			return cmp.Compare(a.p.Sequence, b.p.Sequence)
		})
	} else if p, ok := cc.pending[tag]; ok {
		matched = append(matched, settled{p: p, returned: p.returned})
		delete(cc.pending, tag)
	}
	t.mu.Unlock()

	if len(matched) == 0 {
		t.logger.Debug("confirm for unknown sequence", "channelId", channelID, "deliveryTag", tag, "ack", ack)
		return
	}

	for _, m := range matched {
		switch {
		case !ack:
			t.resolve(m.p, OutcomeRejected, m.returned, nil)
		case m.returned != nil:
			t.resolve(m.p, OutcomeUnroutable, m.returned, nil)
		default:
			t.resolve(m.p, OutcomeAcked, nil, nil)
		}
	}
}

func (t *ConfirmationTracker) onReturned(e events.Returned) {
	if e.Role != t.role {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cc := t.channels[e.ChannelID]
	if cc == nil {
		return
	}

	seq, ok := confirmationSequence(e.Properties.Headers, e.ChannelID)
	if !ok {
		seq = cc.last
	}

	p := cc.pending[seq]
	if p == nil {
		t.logger.Debug("return for unknown sequence", "channelId", e.ChannelID, "sequence", seq)
		return
	}
	returned := e
	p.returned = &returned
}

func (t *ConfirmationTracker) onChannelClosed(e events.ChannelClosed) {
	if e.Role != t.role {
		return
	}

	t.mu.Lock()
	lost := t.takeChannelLocked(e.ChannelID)
	t.markDeadLocked(e.ChannelID)
	t.mu.Unlock()

	t.resolveAll(lost, OutcomeConnectionLost, e.Reason)
}

func (t *ConfirmationTracker) onDisconnected(e events.Disconnected) {
	if e.Role != t.role {
		return
	}

	t.mu.Lock()
	var lost []*PendingConfirmation
	for id := range t.channels {
		lost = append(lost, t.takeChannelLocked(id)...)
		t.markDeadLocked(id)
	}
	t.mu.Unlock()

	if len(lost) > 0 {
		t.logger.Warn("connection lost with unconfirmed publishes", "count", len(lost))
	}
	t.resolveAll(lost, OutcomeConnectionLost, e.Reason)
}

func (t *ConfirmationTracker) takeChannelLocked(channelID string) []*PendingConfirmation {
	cc := t.channels[channelID]
	if cc == nil {
		return nil
	}
	delete(t.channels, channelID)

	taken := make([]*PendingConfirmation, 0, len(cc.pending))
	for _, p := range cc.pending {
		taken = append(taken, p)
	}
	slices.SortFunc(taken, func(a, b *PendingConfirmation) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return taken
}

func (t *ConfirmationTracker) markDeadLocked(channelID string) {
	if _, ok := t.dead[channelID]; ok {
		return
	}
	t.dead[channelID] = struct{}{}
	t.deadOrder = append(t.deadOrder, channelID)
	if len(t.deadOrder) > deadChannelMemory {
		delete(t.dead, t.deadOrder[0])
		t.deadOrder = t.deadOrder[1:]
	}
}

func (t *ConfirmationTracker) sweepRoutine() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.sweep(now)
		case <-t.done:
			return
		}
	}
}

func (t *ConfirmationTracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []*PendingConfirmation
	for _, cc := range t.channels {
		for seq, p := range cc.pending {
			if !p.Deadline.IsZero() && now.After(p.Deadline) {
				expired = append(expired, p)
				delete(cc.pending, seq)
			}
		}
	}
	t.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	t.logger.Warn("publish confirmations timed out", "count", len(expired))
	t.resolveAll(expired, OutcomeTimedOut, nil)
}

func (t *ConfirmationTracker) resolve(p *PendingConfirmation, outcome Outcome, returned *events.Returned, reason error) {
	if p.resolve(outcome, returned, reason) && t.onResolved != nil {
		t.onResolved(p.result)
	}
}

func (t *ConfirmationTracker) resolveAll(pending []*PendingConfirmation, outcome Outcome, reason error) {
	for _, p := range pending {
		t.resolve(p, outcome, nil, reason)
	}
}

func confirmationID(channelID string, seq uint64) string {
	return channelID + "/" + strconv.FormatUint(seq, 10)
}

// confirmationSequence reads the sequence from the confirmation header when it
// was stamped for channelID
func confirmationSequence(headers map[string]interface{}, channelID string) (uint64, bool) {
	raw, ok := headers[ConfirmationHeader].(string)
	if !ok {
		return 0, false
	}

	id, seqStr, found := strings.Cut(raw, "/")
	if !found || id != channelID {
		return 0, false
	}

	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
