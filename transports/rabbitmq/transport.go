// Package rabbitmq implements messaging.Transport on a RabbitMQ work queue.
//
// The work queue is paired with three sub-queues: <queue>.dlq for dead
// letters, <queue>.deferred for deferred messages and <queue>.delay for
// scheduled ones. Messages are pulled with basic.get and stay unacked until
// they are settled.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/rabbitmq"
	"github.com/glimte/mmate-largemsg/internal/reliability"
	"github.com/glimte/mmate-largemsg/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Defaults
const (
	DefaultMaxBatchBytes   = 256 * 1024
	DefaultMaxMessageBytes = 16 * 1024 * 1024
	DefaultLockDuration    = 30 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
)

// Headers the transport owns. They never surface as envelope properties.
const (
	HeaderSessionID             = "x-session-id"
	HeaderSequenceNumber        = "x-sequence-number"
	HeaderDeadLetterReason      = "x-dead-letter-reason"
	HeaderDeadLetterDescription = "x-dead-letter-description"
	HeaderPropertyOrder         = "x-property-order"
	HeaderPriorDeliveries       = "x-prior-deliveries"
	HeaderDeliveryCount         = "x-delivery-count"
)

var transportHeaders = map[string]struct{}{
	HeaderSessionID:             {},
	HeaderSequenceNumber:        {},
	HeaderDeadLetterReason:      {},
	HeaderDeadLetterDescription: {},
	HeaderPropertyOrder:         {},
	HeaderPriorDeliveries:       {},
	HeaderDeliveryCount:         {},
}

// ErrMessageTooLarge is returned for a message over the configured maximum
var ErrMessageTooLarge = errors.New("rabbitmq: message exceeds maximum size")

// Publisher is the confirm publisher the transport sends through
type Publisher interface {
	PublishBatch(ctx context.Context, messages []rabbitmq.PublishMessage) error
}

// Getter pulls single unacked messages from a queue
type Getter interface {
	Get(ctx context.Context, queue string) (amqp.Delivery, bool, error)
}

// Inspector reports the state of an existing queue
type Inspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// ErrInspectionUnavailable is returned by QueueDepths without an Inspector
var ErrInspectionUnavailable = errors.New("rabbitmq: queue inspection unavailable")

type heldDelivery struct {
	delivery amqp.Delivery
	source   string
	// moving is set while the delivery is being republished elsewhere;
	// it cannot be settled until the move finishes
	moving bool
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	names     rabbitmq.QueueNames
	publisher Publisher
	getter    Getter
	inspector Inspector
	connected func() bool
	closeFn   func() error

	maxBatchBytes   int
	maxMessageBytes int
	lockDuration    time.Duration
	pollInterval    time.Duration
	now             func() time.Time
	logger          *slog.Logger

	sequence atomic.Int64
	mu       sync.Mutex
	held     map[string]heldDelivery
	closed   bool
}

// TransportConfig holds the options for New
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	DeclareTopology   bool
	Inspector         Inspector

	MaxBatchBytes   int
	MaxMessageBytes int
	LockDuration    time.Duration
	PollInterval    time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithDeclareTopology toggles declaring the queues on New
func WithDeclareTopology(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareTopology = enabled
	}
}

// WithMaxBatchBytes sets the size limit of a batch
func WithMaxBatchBytes(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxBatchBytes = n
	}
}

// WithMaxMessageBytes sets the size limit of a single message
func WithMaxMessageBytes(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxMessageBytes = n
	}
}

// WithLockDuration sets how far RenewLock moves the hold
func WithLockDuration(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.LockDuration = d
	}
}

// WithPollInterval sets the pause between empty basic.get rounds
func WithPollInterval(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PollInterval = d
	}
}

// WithClock sets the clock used for scheduling and locks
func WithClock(now func() time.Time) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Clock = now
	}
}

// WithInspector sets the queue inspector used by QueueDepths
func WithInspector(inspector Inspector) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Inspector = inspector
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		DeclareTopology: true,
		MaxBatchBytes:   DefaultMaxBatchBytes,
		MaxMessageBytes: DefaultMaxMessageBytes,
		LockDuration:    DefaultLockDuration,
		PollInterval:    DefaultPollInterval,
		Clock:           time.Now,
		Logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewTransport connects to the broker, declares the queue topology and
// returns a transport for queue
func NewTransport(ctx context.Context, url, queue string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	if cfg.Inspector == nil {
		cfg.Inspector = topology
	}
	if cfg.DeclareTopology {
		topo, err := rabbitmq.QueueTopology(queue)
		if err == nil {
			err = topology.DeclareTopology(ctx, topo)
		}
		if err != nil {
			pool.Close()
			manager.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	publisher := rabbitmq.NewPublisher(pool, pubOpts...)
	receiver := rabbitmq.NewReceiver(manager, rabbitmq.WithReceiverLogger(cfg.Logger))

	t := newTransport(queue, publisher, receiver, cfg)
	t.connected = manager.IsConnected
	t.closeFn = func() error {
		return errors.Join(receiver.Close(), pool.Close(), manager.Close())
	}

	// Deliveries held on the old connection can no longer be settled
	manager.OnReconnect(t.dropHeld)

	return t, nil
}

// NewWithBroker builds a transport on an existing publisher and getter
func NewWithBroker(queue string, publisher Publisher, getter Getter, options ...TransportOption) (*Transport, error) {
	if queue == "" || publisher == nil || getter == nil {
		return nil, fmt.Errorf("%w: queue, publisher and getter are required", rabbitmq.ErrInvalidConfiguration)
	}
	return newTransport(queue, publisher, getter, newConfig(options)), nil
}

func newTransport(queue string, publisher Publisher, getter Getter, cfg *TransportConfig) *Transport {
	t := &Transport{
		names:           rabbitmq.NamesFor(queue),
		publisher:       publisher,
		getter:          getter,
		inspector:       cfg.Inspector,
		connected:       func() bool { return true },
		closeFn:         func() error { return nil },
		maxBatchBytes:   cfg.MaxBatchBytes,
		maxMessageBytes: cfg.MaxMessageBytes,
		lockDuration:    cfg.LockDuration,
		pollInterval:    cfg.PollInterval,
		now:             cfg.Clock,
		logger:          cfg.Logger,
		held:            make(map[string]heldDelivery),
	}
	t.sequence.Store(cfg.Clock().UnixNano())
	return t
}

// Queues returns the queue names the transport uses
func (t *Transport) Queues() rabbitmq.QueueNames {
	return t.names
}

// IsConnected reports whether the transport is open and its broker
// connection is up
func (t *Transport) IsConnected() bool {
	return !t.isClosed() && t.connected()
}

// QueueDepths returns the ready message count of the work queue and each
// sub-queue, keyed by queue name
func (t *Transport) QueueDepths(ctx context.Context) (map[string]int, error) {
	if t.inspector == nil {
		return nil, ErrInspectionUnavailable
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	depths := make(map[string]int, 4)
	for _, name := range []string{t.names.Main, t.names.DeadLetter, t.names.Deferred, t.names.Delay} {
		q, err := t.inspector.InspectQueue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", name, err)
		}
		depths[name] = q.Messages
	}
	return depths, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ReservedPropertyKeys implements messaging.KeyReserver
func (t *Transport) ReservedPropertyKeys() []string {
	keys := make([]string, 0, len(transportHeaders))
	for k := range transportHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// checkProperties rejects user properties that collide with transport headers
func checkProperties(env *contracts.Envelope) error {
	var err error
	env.Properties.Range(func(key string, _ interface{}) bool {
		if _, owned := transportHeaders[key]; owned {
			err = &contracts.ValidationError{Field: key, Reason: "property key is reserved by the transport"}
			return false
		}
		return true
	})
	return err
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return messaging.ErrNilEnvelope
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	if err := checkProperties(env); err != nil {
		return err
	}

	msg := t.toPublishing(env, t.sequence.Add(1))
	if n := publishingSize(msg); n > t.maxMessageBytes {
		return reliability.Permanent(fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, n, t.maxMessageBytes))
	}
	return t.publisher.PublishBatch(ctx, []rabbitmq.PublishMessage{{RoutingKey: t.names.Main, Message: msg}})
}

// Batch is the size-bounded batch created by NewBatch
type Batch struct {
	owner    *Transport
	maxBytes int
	size     int
	messages []rabbitmq.PublishMessage
}

// TryAdd implements messaging.TransportBatch
func (b *Batch) TryAdd(env *contracts.Envelope) bool {
	if env == nil {
		return false
	}
	msg := b.owner.toPublishing(env, 0)
	n := publishingSize(msg)
	if b.size+n > b.maxBytes {
		return false
	}
	msg.Headers[HeaderSequenceNumber] = b.owner.sequence.Add(1)
	b.size += n
	b.messages = append(b.messages, rabbitmq.PublishMessage{RoutingKey: b.owner.names.Main, Message: msg})
	return true
}

// Len implements messaging.TransportBatch
func (b *Batch) Len() int {
	return len(b.messages)
}

// NewBatch implements messaging.Transport
func (t *Transport) NewBatch(ctx context.Context) (messaging.TransportBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return &Batch{owner: t, maxBytes: t.maxBatchBytes}, nil
}

// SendBatch implements messaging.Transport
func (t *Transport) SendBatch(ctx context.Context, batch messaging.TransportBatch) error {
	b, ok := batch.(*Batch)
	if !ok || b.owner != t {
		return messaging.ErrForeignBatch
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	if len(b.messages) == 0 {
		return nil
	}
	return t.publisher.PublishBatch(ctx, b.messages)
}

// Receive implements messaging.Transport. It drains up to maxCount ready
// messages and polls until at least one arrives or timeout elapses.
func (t *Transport) Receive(ctx context.Context, subQueue messaging.SubQueue, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	queue := t.names.Main
	if subQueue == messaging.SubQueueDeadLetter {
		queue = t.names.DeadLetter
	}

	deadline := time.Now().Add(timeout)
	var out []*contracts.Envelope
	for {
		if t.isClosed() {
			t.release(out)
			return nil, messaging.ErrTransportClosed
		}

		for len(out) < maxCount {
			d, ok, err := t.getter.Get(ctx, queue)
			if err != nil {
				t.release(out)
				return nil, err
			}
			if !ok {
				break
			}
			out = append(out, t.hold(d, queue))
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := t.pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := reliability.ContextSleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// release returns envelopes taken in a failed Receive to their queue
func (t *Transport) release(envs []*contracts.Envelope) {
	for _, env := range envs {
		if h, err := t.unhold(env); err == nil {
			if err := h.delivery.Nack(false, true); err != nil {
				t.logger.Warn("failed to requeue delivery", "error", err, "messageId", env.MessageID)
			}
		}
	}
}

// hold tracks d under a fresh lock token and returns its envelope
func (t *Transport) hold(d amqp.Delivery, source string) *contracts.Envelope {
	env := fromDelivery(d)
	env.LockToken = uuid.NewString()

	t.mu.Lock()
	t.held[env.LockToken] = heldDelivery{delivery: d, source: source}
	t.mu.Unlock()
	return env
}

func (t *Transport) unhold(env *contracts.Envelope) (heldDelivery, error) {
	if env == nil {
		return heldDelivery{}, messaging.ErrNilEnvelope
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.held[env.LockToken]
	if !ok || h.moving {
		return heldDelivery{}, fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	delete(t.held, env.LockToken)
	return h, nil
}

// claim marks a held delivery as moving so no other settlement can use it
func (t *Transport) claim(env *contracts.Envelope) (heldDelivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.held[env.LockToken]
	if !ok || h.moving {
		return heldDelivery{}, fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	h.moving = true
	t.held[env.LockToken] = h
	return h, nil
}

// releaseMove ends a move. A failed move returns the delivery to the caller's
// hold; a finished one forgets it. It reports whether the hold survived.
func (t *Transport) releaseMove(env *contracts.Envelope, done bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.held[env.LockToken]
	if !ok {
		return false
	}
	if done {
		delete(t.held, env.LockToken)
		return true
	}
	h.moving = false
	t.held[env.LockToken] = h
	return true
}

// dropHeld forgets every held delivery. The broker requeues them itself
// when their channel goes away.
func (t *Transport) dropHeld() {
	t.mu.Lock()
	n := len(t.held)
	t.held = make(map[string]heldDelivery)
	t.mu.Unlock()

	if n > 0 {
		t.logger.Warn("dropped held deliveries after reconnect", "count", n)
	}
}

// settleErr maps an ack failure on a dead channel to a lost lock
func settleErr(env *contracts.Envelope, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %s: %w", messaging.ErrLockLost, env.MessageID, err)
	}
	return err
}

// Complete implements messaging.Transport
func (t *Transport) Complete(_ context.Context, env *contracts.Envelope) error {
	h, err := t.unhold(env)
	if err != nil {
		return err
	}
	return settleErr(env, h.delivery.Ack(false))
}

// Abandon implements messaging.Transport
func (t *Transport) Abandon(_ context.Context, env *contracts.Envelope) error {
	h, err := t.unhold(env)
	if err != nil {
		return err
	}
	return settleErr(env, h.delivery.Nack(false, true))
}

// DeadLetter implements messaging.Transport. The message is republished to
// the dead-letter queue with the reason headers, then acked.
func (t *Transport) DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error {
	return t.move(ctx, env, t.names.DeadLetter, func(msg *amqp.Publishing) {
		msg.Headers[HeaderDeadLetterReason] = reason
		msg.Headers[HeaderDeadLetterDescription] = description
	})
}

// Defer implements messaging.Transport
func (t *Transport) Defer(ctx context.Context, env *contracts.Envelope) error {
	return t.move(ctx, env, t.names.Deferred, nil)
}

// move republishes a held delivery to queue and acks the original. The
// lock token is claimed for the duration, so a concurrent Complete or
// Abandon sees a lost lock. If the publish fails the message stays held so
// the caller may still settle it.
func (t *Transport) move(ctx context.Context, env *contracts.Envelope, queue string, edit func(*amqp.Publishing)) error {
	if env == nil {
		return messaging.ErrNilEnvelope
	}

	h, err := t.claim(env)
	if err != nil {
		return err
	}

	msg := republish(h.delivery, env.DeliveryCount)
	if edit != nil {
		edit(&msg)
	}
	if err := t.publisher.PublishBatch(ctx, []rabbitmq.PublishMessage{{RoutingKey: queue, Message: msg}}); err != nil {
		t.releaseMove(env, false)
		return err
	}

	if !t.releaseMove(env, true) {
		// Dropped by a reconnect while publishing; the broker redelivers it
		return fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	return settleErr(env, h.delivery.Ack(false))
}

// ReceiveDeferred implements messaging.Transport. It scans the deferred
// queue, holding non-matching messages until the scan ends, then requeues them.
func (t *Transport) ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	var skipped []amqp.Delivery
	defer func() {
		for _, d := range skipped {
			if err := d.Nack(false, true); err != nil {
				t.logger.Warn("failed to requeue deferred message", "error", err, "messageId", d.MessageId)
			}
		}
	}()

	for budget := -1; budget != 0; budget-- {
		d, ok, err := t.getter.Get(ctx, t.names.Deferred)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if budget < 0 {
			// MessageCount is what was left behind the first message
			budget = int(d.MessageCount) + 1
		}
		if seq, _ := headerInt64(d.Headers, HeaderSequenceNumber); seq == sequenceNumber {
			return t.hold(d, t.names.Deferred), nil
		}
		skipped = append(skipped, d)
	}

	return nil, fmt.Errorf("%w: deferred sequence %d", messaging.ErrMessageNotFound, sequenceNumber)
}

// RenewLock implements messaging.Transport. AMQP deliveries do not expire
// while the channel lives, so renewal only confirms the hold.
func (t *Transport) RenewLock(_ context.Context, env *contracts.Envelope) (time.Time, error) {
	if env == nil {
		return time.Time{}, messaging.ErrNilEnvelope
	}

	t.mu.Lock()
	_, ok := t.held[env.LockToken]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", messaging.ErrLockLost, env.MessageID)
	}
	return t.now().Add(t.lockDuration), nil
}

// Schedule implements messaging.Transport. The message waits in the delay
// queue with a per-message TTL and dead-letters into the main queue.
func (t *Transport) Schedule(ctx context.Context, env *contracts.Envelope, at time.Time) (int64, error) {
	if env == nil {
		return 0, messaging.ErrNilEnvelope
	}
	if t.isClosed() {
		return 0, messaging.ErrTransportClosed
	}

	seq := t.sequence.Add(1)
	msg := t.toPublishing(env, seq)

	delay := at.Sub(t.now())
	if delay < 0 {
		delay = 0
	}
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)

	if err := t.publisher.PublishBatch(ctx, []rabbitmq.PublishMessage{{RoutingKey: t.names.Delay, Message: msg}}); err != nil {
		return 0, err
	}
	return seq, nil
}

// Close requeues held deliveries and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	held := t.held
	t.held = make(map[string]heldDelivery)
	t.mu.Unlock()

	for _, h := range held {
		if err := h.delivery.Nack(false, true); err != nil && !errors.Is(err, amqp.ErrClosed) {
			t.logger.Warn("failed to requeue delivery on close", "error", err, "messageId", h.delivery.MessageId)
		}
	}
	return t.closeFn()
}

// Held returns the number of received, unsettled messages
func (t *Transport) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
