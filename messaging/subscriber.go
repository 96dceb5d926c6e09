package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
)

// MessageSubscriber is the receive pipeline: receive, resolve, settle
type MessageSubscriber struct {
	transport Transport
	store     *PayloadStore
	exec      *reliability.Executor
	cleaner   *Cleaner
	opts      Options
	logger    *slog.Logger
	sleep     reliability.SleepFunc
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberSleep replaces the pause between retry attempts
func WithSubscriberSleep(sleep func(ctx context.Context, d time.Duration) error) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.sleep = sleep
	}
}

// WithCleaner sets the cleaner used after a message is completed
func WithCleaner(cleaner *Cleaner) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.cleaner = cleaner
	}
}

// NewMessageSubscriber creates a receive pipeline
func NewMessageSubscriber(transport Transport, store BlobStore, opts Options, options ...SubscriberOption) (*MessageSubscriber, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &MessageSubscriber{
		transport: transport,
		opts:      opts.withDefaults(),
		logger:    slog.Default(),
		sleep:     reliability.ContextSleep,
	}

	for _, opt := range options {
		opt(s)
	}

	s.exec = reliability.NewExecutor(s.opts.Retry.Policy(),
		reliability.WithSleep(s.sleep),
		reliability.WithRetryLogger(s.logger),
	)
	s.store = NewPayloadStore(store, s.exec, s.logger)

	if s.cleaner == nil {
		cleaner, err := NewCleaner(store, opts,
			WithCleanerLogger(s.logger),
			WithCleanerSleep(s.sleep),
		)
		if err != nil {
			return nil, err
		}
		s.cleaner = cleaner
	}

	return s, nil
}

// Cleaner returns the cleaner used after completion
func (s *MessageSubscriber) Cleaner() *Cleaner {
	return s.cleaner
}

// Resolve returns a copy of raw with its payload restored. A blob-backed
// envelope gets the stored body and the pointer in Blob; every reserved
// property is removed. Delivery metadata is carried over unchanged.
func (s *MessageSubscriber) Resolve(ctx context.Context, raw *contracts.Envelope) (*contracts.Envelope, error) {
	if raw == nil {
		return nil, ErrNilEnvelope
	}

	out := raw.Clone()
	if !raw.Properties.Bool(contracts.BlobPointerKey) {
		out.Properties.Delete(contracts.UserAgentKey)
		return out, nil
	}

	pointer, err := contracts.DecodePointer(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob pointer of message %s: %w", raw.MessageID, err)
	}

	ctx, span := s.opts.Tracer.Start(ctx, "resolve",
		slog.String("container", pointer.ContainerName),
		slog.String("blobName", pointer.BlobName),
	)
	data, found, err := s.store.Get(ctx, pointer)
	if err == nil && !found && !s.opts.IgnoreNotFound {
		err = &PayloadError{Op: "get", Pointer: pointer, Err: ErrBlobNotFound}
	}
	span.End(err)
	if err != nil {
		return nil, err
	}

	if !found {
		s.logger.Warn("payload not found, using empty body",
			"container", pointer.ContainerName,
			"blobName", pointer.BlobName,
			"messageId", raw.MessageID,
		)
		data = []byte{}
	}

	out.Body = data
	out.Blob = &pointer
	for _, key := range contracts.ReservedKeys() {
		out.Properties.Delete(key)
	}

	return out, nil
}

// Receive waits up to timeout for at most maxCount messages from the main
// queue and resolves them
func (s *MessageSubscriber) Receive(ctx context.Context, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	return s.receive(ctx, SubQueueNone, maxCount, timeout)
}

// ReceiveDeadLetter reads the dead-letter sub-queue
func (s *MessageSubscriber) ReceiveDeadLetter(ctx context.Context, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	return s.receive(ctx, SubQueueDeadLetter, maxCount, timeout)
}

func (s *MessageSubscriber) receive(ctx context.Context, subQueue SubQueue, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	raws, err := s.transport.Receive(ctx, subQueue, maxCount, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s queue: %w", subQueue, err)
	}

	resolved := make([]*contracts.Envelope, 0, len(raws))
	for i, raw := range raws {
		env, err := s.Resolve(ctx, raw)
		if err != nil {
			// nothing is handed to the caller, so release the whole receive
			s.abandonAll(ctx, raws)
			return nil, fmt.Errorf("failed to resolve message %d of %d: %w", i+1, len(raws), err)
		}
		resolved = append(resolved, env)
	}
	return resolved, nil
}

func (s *MessageSubscriber) abandonAll(ctx context.Context, raws []*contracts.Envelope) {
	for _, raw := range raws {
		if err := s.transport.Abandon(ctx, raw); err != nil {
			s.logger.Warn("failed to abandon message",
				"messageId", raw.MessageID,
				"error", err,
			)
		}
	}
}

// ReceiveDeferred fetches and resolves a deferred message
func (s *MessageSubscriber) ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	raw, err := s.transport.ReceiveDeferred(ctx, sequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to receive deferred message %d: %w", sequenceNumber, err)
	}
	return s.Resolve(ctx, raw)
}

// Defer sets a received message aside for ReceiveDeferred
func (s *MessageSubscriber) Defer(ctx context.Context, env *contracts.Envelope) error {
	return s.settle(ctx, "defer message", env, s.transport.Defer)
}

// Complete settles a received message as processed
func (s *MessageSubscriber) Complete(ctx context.Context, env *contracts.Envelope) error {
	return s.settle(ctx, "complete message", env, s.transport.Complete)
}

// Abandon releases a received message for redelivery
func (s *MessageSubscriber) Abandon(ctx context.Context, env *contracts.Envelope) error {
	return s.settle(ctx, "abandon message", env, s.transport.Abandon)
}

// DeadLetter moves a received message to the dead-letter sub-queue
func (s *MessageSubscriber) DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error {
	return s.settle(ctx, "dead-letter message", env, func(ctx context.Context, env *contracts.Envelope) error {
		return s.transport.DeadLetter(ctx, env, reason, description)
	})
}

// RenewLock extends the hold on a received message
func (s *MessageSubscriber) RenewLock(ctx context.Context, env *contracts.Envelope) (time.Time, error) {
	if env == nil {
		return time.Time{}, ErrNilEnvelope
	}
	return reliability.Do(ctx, s.exec, "renew lock", func(ctx context.Context) (time.Time, error) {
		return s.transport.RenewLock(ctx, env)
	})
}

func (s *MessageSubscriber) settle(ctx context.Context, op string, env *contracts.Envelope, fn func(context.Context, *contracts.Envelope) error) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if err := s.exec.Run(ctx, op, func(ctx context.Context) error {
		return fn(ctx, env)
	}); err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, env.MessageID, err)
	}
	return nil
}

// Process resolves raw, runs handler and settles the message. On success
// the message is completed and its blob cleaned up. On failure it is
// dead-lettered when DeadLetterOnFailure is set and nil is returned;
// otherwise it is abandoned and a *ProcessingError is returned.
func (s *MessageSubscriber) Process(ctx context.Context, raw *contracts.Envelope, handler MessageHandler) error {
	if raw == nil {
		return ErrNilEnvelope
	}

	env, err := s.Resolve(ctx, raw)
	if err == nil {
		err = handler.Handle(ctx, env)
	} else {
		env = raw
	}

	if err != nil {
		return s.handleFailure(ctx, env, err)
	}

	if err := s.Complete(ctx, env); err != nil {
		return err
	}

	// Cleanup failures are logged by the cleaner and never fail the message
	_, _ = s.cleaner.Delete(ctx, env)
	return nil
}

func (s *MessageSubscriber) handleFailure(ctx context.Context, env *contracts.Envelope, cause error) error {
	if s.opts.DeadLetterOnFailure {
		s.logger.Error("message processing failed, dead-lettering",
			"messageId", env.MessageID,
			"reason", s.opts.DeadLetterReason,
			"error", cause,
		)
		if err := s.DeadLetter(ctx, env, s.opts.DeadLetterReason, cause.Error()); err != nil {
			return errors.Join(&ProcessingError{MessageID: env.MessageID, SequenceNumber: env.SequenceNumber, Err: cause}, err)
		}
		return nil
	}

	s.logger.Error("message processing failed, abandoning",
		"messageId", env.MessageID,
		"deliveryCount", env.DeliveryCount,
		"error", cause,
	)
	if err := s.Abandon(ctx, env); err != nil {
		s.logger.Warn("failed to abandon message",
			"messageId", env.MessageID,
			"error", err,
		)
	}
	return &ProcessingError{MessageID: env.MessageID, SequenceNumber: env.SequenceNumber, Err: cause}
}

// SubscribeOptions controls the Subscribe poll loop
type SubscribeOptions struct {
	MaxMessages int
	WaitTime    time.Duration
	SubQueue    SubQueue
}

// DefaultSubscribeOptions returns the poll settings used when none are given
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		MaxMessages: 10,
		WaitTime:    5 * time.Second,
	}
}

// Subscribe polls the transport and processes every message with handler
// until ctx is done. Processing failures are settled by Process and do not
// stop the loop.
func (s *MessageSubscriber) Subscribe(ctx context.Context, handler MessageHandler, opts SubscribeOptions) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultSubscribeOptions().MaxMessages
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = DefaultSubscribeOptions().WaitTime
	}

	s.logger.Info("subscription started",
		"subQueue", opts.SubQueue.String(),
		"maxMessages", opts.MaxMessages,
	)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("subscription stopped", "subQueue", opts.SubQueue.String())
			return err
		}

		raws, err := s.transport.Receive(ctx, opts.SubQueue, opts.MaxMessages, opts.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to receive messages", "error", err)
			_ = s.sleep(ctx, opts.WaitTime)
			continue
		}

		for _, raw := range raws {
			if err := s.Process(ctx, raw, handler); err != nil {
				s.logger.Debug("message returned for redelivery",
					"messageId", raw.MessageID,
					"error", err,
				)
			}
		}
	}
}

// ReadURI returns a time-limited URI for the blob behind env
func (s *MessageSubscriber) ReadURI(ctx context.Context, env *contracts.Envelope, ttl time.Duration) (string, error) {
	if env == nil {
		return "", ErrNilEnvelope
	}
	pointer, ok := pointerOf(env)
	if !ok {
		return "", ErrNoPointer
	}
	return s.store.ReadURI(ctx, pointer, ttl)
}
