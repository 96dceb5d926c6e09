package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with broker confirms. It makes one attempt per call;
// retries belong to the caller.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for its confirms
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// Publish publishes a mandatory message and waits for its confirm
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishBatch(ctx, []PublishMessage{{Exchange: exchange, RoutingKey: routingKey, Message: msg}})
}

// PublishBatch publishes messages on one channel and waits until every one
// is confirmed. A nack, a return or a timeout fails the whole batch.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}
	first := messages[0]

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: first.Exchange, RoutingKey: first.RoutingKey, Err: err, Timestamp: time.Now()}
	}
	defer p.pool.Put(ch)

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	pending := make([]*amqp.DeferredConfirmation, 0, len(messages))
	for i, m := range messages {
		dc, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx,
			m.Exchange,
			m.RoutingKey,
			true,  // mandatory
			false, // immediate
			m.Message,
		)
		if err != nil {
			return &PublishError{
				Exchange:   m.Exchange,
				RoutingKey: m.RoutingKey,
				Err:        fmt.Errorf("message %d of %d: %w", i+1, len(messages), err),
				Timestamp:  time.Now(),
			}
		}
		pending = append(pending, dc)
	}

	for i, dc := range pending {
		acked, err := dc.WaitContext(confirmCtx)
		m := messages[i]
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, Err: ErrPublishNoConfirm, Timestamp: time.Now()}
		case !acked:
			return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, Err: ErrPublishNack, Timestamp: time.Now()}
		}
	}

	// Returns arrive before the matching ack, so they are all visible now
	if returned := ch.DrainReturns(); len(returned) > 0 {
		r := returned[0]
		return &PublishError{
			Exchange:   r.Exchange,
			RoutingKey: r.RoutingKey,
			Err:        fmt.Errorf("%w: %d message(s), %s", ErrPublishReturned, len(returned), r.ReplyText),
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("published with confirms",
		"channel", ch.ID(),
		"routingKey", first.RoutingKey,
		"count", len(messages))
	return nil
}
