// Package memory provides an in-process messaging.Transport with the same
// settlement semantics as the broker-backed transport. It is used by tests
// and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/messaging"
	"github.com/google/uuid"
)

// Defaults
const (
	DefaultMaxBatchBytes = 256 * 1024
	DefaultLockDuration  = 30 * time.Second
	pollInterval         = 10 * time.Millisecond
)

type scheduledMessage struct {
	env *contracts.Envelope
	at  time.Time
}

type lockedMessage struct {
	env    *contracts.Envelope
	source messaging.SubQueue
}

// Transport is an in-memory implementation of messaging.Transport
type Transport struct {
	mu         sync.Mutex
	main       []*contracts.Envelope
	deadLetter []*contracts.Envelope
	deferred   map[int64]*contracts.Envelope
	scheduled  []scheduledMessage
	inFlight   map[string]lockedMessage
	sequence   int64
	closed     bool

	maxBatchBytes int
	lockDuration  time.Duration
	now           func() time.Time
}

// Option configures the Transport
type Option func(*Transport)

// WithMaxBatchBytes sets the size limit of a batch
func WithMaxBatchBytes(n int) Option {
	return func(t *Transport) {
		t.maxBatchBytes = n
	}
}

// WithLockDuration sets how long RenewLock extends a hold
func WithLockDuration(d time.Duration) Option {
	return func(t *Transport) {
		t.lockDuration = d
	}
}

// WithClock sets the clock used for scheduling and locks
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// New creates an empty transport
func New(options ...Option) *Transport {
	t := &Transport{
		deferred:      make(map[int64]*contracts.Envelope),
		inFlight:      make(map[string]lockedMessage),
		maxBatchBytes: DefaultMaxBatchBytes,
		lockDuration:  DefaultLockDuration,
		now:           time.Now,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return messaging.ErrNilEnvelope
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return messaging.ErrTransportClosed
	}
	t.main = append(t.main, t.stamp(env))
	return nil
}

// stamp copies env and assigns broker-side fields. Caller holds mu.
func (t *Transport) stamp(env *contracts.Envelope) *contracts.Envelope {
	out := env.Clone()
	t.sequence++
	out.SequenceNumber = t.sequence
	out.EnqueuedAt = t.now()
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	return out
}

// Batch is the size-bounded batch created by NewBatch
type Batch struct {
	owner    *Transport
	maxBytes int
	size     int
	envs     []*contracts.Envelope
}

// TryAdd implements messaging.TransportBatch
func (b *Batch) TryAdd(env *contracts.Envelope) bool {
	n := EnvelopeSize(env)
	if b.size+n > b.maxBytes {
		return false
	}
	b.size += n
	b.envs = append(b.envs, env)
	return true
}

// Len implements messaging.TransportBatch
func (b *Batch) Len() int {
	return len(b.envs)
}

// EnvelopeSize estimates the bytes an envelope occupies in a batch
func EnvelopeSize(env *contracts.Envelope) int {
	n := len(env.Body) + len(env.MessageID) + len(env.SessionID) + len(env.ContentType)
	env.Properties.Range(func(key string, value interface{}) bool {
		n += len(key)
		if value != nil {
			n += len(fmt.Sprint(value))
		}
		return true
	})
	return n
}

// NewBatch implements messaging.Transport
func (t *Transport) NewBatch(ctx context.Context) (messaging.TransportBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Batch{owner: t, maxBytes: t.maxBatchBytes}, nil
}

// SendBatch implements messaging.Transport
func (t *Transport) SendBatch(ctx context.Context, batch messaging.TransportBatch) error {
	b, ok := batch.(*Batch)
	if !ok || b.owner != t {
		return messaging.ErrForeignBatch
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return messaging.ErrTransportClosed
	}
	for _, env := range b.envs {
		t.main = append(t.main, t.stamp(env))
	}
	return nil
}

// Receive implements messaging.Transport. It polls until at least one
// message is available or timeout elapses.
func (t *Transport) Receive(ctx context.Context, subQueue messaging.SubQueue, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	if maxCount <= 0 {
		maxCount = 1
	}

	deadline := time.Now().Add(timeout)
	for {
		envs, err := t.take(subQueue, maxCount)
		if err != nil || len(envs) > 0 {
			return envs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *Transport) take(subQueue messaging.SubQueue, maxCount int) ([]*contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	t.releaseScheduled()

	queue := &t.main
	if subQueue == messaging.SubQueueDeadLetter {
		queue = &t.deadLetter
	}

	n := len(*queue)
	if n > maxCount {
		n = maxCount
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]*contracts.Envelope, 0, n)
	for _, env := range (*queue)[:n] {
		out = append(out, t.lock(env, subQueue))
	}
	*queue = append([]*contracts.Envelope(nil), (*queue)[n:]...)
	return out, nil
}

// lock hands env to a receiver. Caller holds mu.
func (t *Transport) lock(env *contracts.Envelope, source messaging.SubQueue) *contracts.Envelope {
	env.DeliveryCount++
	env.LockToken = uuid.NewString()
	t.inFlight[env.LockToken] = lockedMessage{env: env, source: source}
	return env.Clone()
}

// releaseScheduled moves due scheduled messages to the main queue. Caller holds mu.
func (t *Transport) releaseScheduled() {
	now := t.now()
	pending := t.scheduled[:0]
	for _, s := range t.scheduled {
		if s.at.After(now) {
			pending = append(pending, s)
			continue
		}
		t.main = append(t.main, s.env)
	}
	t.scheduled = pending
}

// unlock removes a received message from the in-flight set. Caller holds mu.
func (t *Transport) unlock(env *contracts.Envelope) (lockedMessage, error) {
	if env == nil {
		return lockedMessage{}, messaging.ErrNilEnvelope
	}
	locked, ok := t.inFlight[env.LockToken]
	if !ok {
		return lockedMessage{}, fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	delete(t.inFlight, env.LockToken)
	locked.env.LockToken = ""
	return locked, nil
}

// Complete implements messaging.Transport
func (t *Transport) Complete(_ context.Context, env *contracts.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.unlock(env)
	return err
}

// Abandon implements messaging.Transport. The message goes back to the
// front of the queue it was received from.
func (t *Transport) Abandon(_ context.Context, env *contracts.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	locked, err := t.unlock(env)
	if err != nil {
		return err
	}
	if locked.source == messaging.SubQueueDeadLetter {
		t.deadLetter = append([]*contracts.Envelope{locked.env}, t.deadLetter...)
	} else {
		t.main = append([]*contracts.Envelope{locked.env}, t.main...)
	}
	return nil
}

// DeadLetter implements messaging.Transport
func (t *Transport) DeadLetter(_ context.Context, env *contracts.Envelope, reason, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	locked, err := t.unlock(env)
	if err != nil {
		return err
	}
	locked.env.DeadLetterReason = reason
	locked.env.DeadLetterDescription = description
	t.deadLetter = append(t.deadLetter, locked.env)
	return nil
}

// Defer implements messaging.Transport
func (t *Transport) Defer(_ context.Context, env *contracts.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	locked, err := t.unlock(env)
	if err != nil {
		return err
	}
	t.deferred[locked.env.SequenceNumber] = locked.env
	return nil
}

// ReceiveDeferred implements messaging.Transport
func (t *Transport) ReceiveDeferred(_ context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	env, ok := t.deferred[sequenceNumber]
	if !ok {
		return nil, fmt.Errorf("%w: deferred sequence %d", messaging.ErrMessageNotFound, sequenceNumber)
	}
	delete(t.deferred, sequenceNumber)
	return t.lock(env, messaging.SubQueueNone), nil
}

// RenewLock implements messaging.Transport
func (t *Transport) RenewLock(_ context.Context, env *contracts.Envelope) (time.Time, error) {
	if env == nil {
		return time.Time{}, messaging.ErrNilEnvelope
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[env.LockToken]; !ok {
		return time.Time{}, fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	return t.now().Add(t.lockDuration), nil
}

// Schedule implements messaging.Transport
func (t *Transport) Schedule(ctx context.Context, env *contracts.Envelope, at time.Time) (int64, error) {
	if env == nil {
		return 0, messaging.ErrNilEnvelope
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, messaging.ErrTransportClosed
	}
	stamped := t.stamp(env)
	t.scheduled = append(t.scheduled, scheduledMessage{env: stamped, at: at})
	return stamped.SequenceNumber, nil
}

// Len returns the number of messages waiting in a sub-queue
func (t *Transport) Len(subQueue messaging.SubQueue) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if subQueue == messaging.SubQueueDeadLetter {
		return len(t.deadLetter)
	}
	return len(t.main)
}

// InFlight returns the number of received, unsettled messages
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
