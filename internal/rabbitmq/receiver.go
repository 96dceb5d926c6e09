package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Receiver pulls messages with basic.get. It owns one channel outside the
// pool so that deliveries it hands out stay settleable until acked; a
// delivery whose channel has closed can no longer be acked.
type Receiver struct {
	manager *ConnectionManager
	mu      sync.Mutex
	ch      *amqp.Channel
	closed  bool
	logger  *slog.Logger
}

// ReceiverOption configures the receiver
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// NewReceiver creates a receiver. The channel is opened on first use.
func NewReceiver(manager *ConnectionManager, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Get fetches one unacknowledged message from queue. ok is false when the
// queue is empty.
func (r *Receiver) Get(ctx context.Context, queue string) (amqp.Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Delivery{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return amqp.Delivery{}, false, &ReceiveError{Queue: queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, &ReceiveError{Queue: queue, Op: "get", Err: err, Timestamp: time.Now()}
	}
	return d, ok, nil
}

// channel returns the open channel, replacing a closed one. Caller holds mu.
func (r *Receiver) channel() (*amqp.Channel, error) {
	if r.closed {
		return nil, ErrReceiverClosed
	}
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	if r.ch != nil {
		r.logger.Warn("receiver channel closed, unacked deliveries will be redelivered")
	}

	ch, err := r.manager.Channel()
	if err != nil {
		return nil, err
	}
	r.ch = ch
	return ch, nil
}

// Close closes the channel. Unacked deliveries return to their queues.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.ch == nil || r.ch.IsClosed() {
		return nil
	}
	return r.ch.Close()
}
