package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
	"golang.org/x/sync/errgroup"
)

// SendRequest is one message to send
type SendRequest struct {
	Body        []byte
	Properties  *contracts.Properties
	SessionID   string
	ContentType string
}

// SendResult is delivered by SendAsync
type SendResult struct {
	Envelope *contracts.Envelope
	Err      error
}

// MessagePublisher is the send pipeline: validate, decide, offload, send
type MessagePublisher struct {
	transport Transport
	store     *PayloadStore
	exec      *reliability.Executor
	assembler *BatchAssembler
	opts      Options
	criteria  OffloadCriteria
	validator PropertyValidator
	logger    *slog.Logger
	sleep     reliability.SleepFunc
	now       func() time.Time
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithPublisherSleep replaces the pause between retry attempts
func WithPublisherSleep(sleep func(ctx context.Context, d time.Duration) error) PublisherOption {
	return func(p *MessagePublisher) {
		p.sleep = sleep
	}
}

// WithPublisherClock sets the clock used for blob expiry stamps
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *MessagePublisher) {
		p.now = now
	}
}

// NewMessagePublisher creates a send pipeline
func NewMessagePublisher(transport Transport, store BlobStore, opts Options, options ...PublisherOption) (*MessagePublisher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	p := &MessagePublisher{
		transport: transport,
		opts:      opts,
		criteria:  opts.sizeCriteria(),
		validator: opts.validator(),
		logger:    slog.Default(),
		sleep:     reliability.ContextSleep,
		now:       time.Now,
	}

	for _, opt := range options {
		opt(p)
	}
	if r, ok := transport.(KeyReserver); ok {
		p.validator.TransportKeys = r.ReservedPropertyKeys()
	}

	p.exec = reliability.NewExecutor(opts.Retry.Policy(),
		reliability.WithSleep(p.sleep),
		reliability.WithRetryLogger(p.logger),
	)
	p.store = NewPayloadStore(store, p.exec, p.logger)
	p.assembler = NewBatchAssembler(transport, p.exec, WithAssemblerLogger(p.logger))

	return p, nil
}

// Prepare validates req and, when needed, offloads its body. The returned
// envelope is ready to send. Nothing is stored when validation fails.
func (p *MessagePublisher) Prepare(ctx context.Context, req SendRequest) (*contracts.Envelope, error) {
	if err := p.validator.Validate(req.Properties); err != nil {
		return nil, err
	}
	return p.prepareValidated(ctx, req)
}

func (p *MessagePublisher) prepareValidated(ctx context.Context, req SendRequest) (*contracts.Envelope, error) {
	size := len(req.Body)

	env := &contracts.Envelope{
		Body:        req.Body,
		Properties:  req.Properties.Clone(),
		ContentType: req.ContentType,
		SessionID:   req.SessionID,
	}

	if p.criteria.ShouldOffload(req.Body, req.Properties) {
		pointer, err := p.offload(ctx, req)
		if err != nil {
			return nil, err
		}

		body, err := p.opts.BodyReplacer.Replace(req.Body, pointer)
		if err != nil {
			return nil, fmt.Errorf("failed to replace body for %s: %w", pointer, err)
		}
		env.Body = body
		env.Properties.Set(contracts.SizeKey(p.opts.LegacyAttributeName), int64(size))
		env.Properties.Set(contracts.BlobPointerKey, true)
	}

	if p.opts.DuplicateDetection {
		env.MessageID = ContentHash(req.Body)
	}

	env.Properties.Set(contracts.UserAgentKey, contracts.UserAgent)
	return env, nil
}

// offload writes the original body to the blob store
func (p *MessagePublisher) offload(ctx context.Context, req SendRequest) (contracts.BlobPointer, error) {
	name := p.opts.NameResolver.BlobName(req.Body, req.Properties)

	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	var metadata map[string]string
	if p.opts.BlobTTL > 0 {
		metadata = map[string]string{
			ExpiresAtMetadataKey: p.now().Add(p.opts.BlobTTL).UTC().Format(time.RFC3339Nano),
		}
	}

	ctx, span := p.opts.Tracer.Start(ctx, "offload", slog.String("blobName", name), slog.Int("size", len(req.Body)))
	pointer, err := p.store.Put(ctx, p.opts.ContainerName, name, req.Body, contentType, metadata)
	span.End(err)
	if err != nil {
		p.logger.Error("failed to offload payload",
			"blobName", name,
			"size", len(req.Body),
			"error", err,
		)
		return contracts.BlobPointer{}, err
	}
	return pointer, nil
}

// Send prepares req and sends it, retrying the transport call
func (p *MessagePublisher) Send(ctx context.Context, req SendRequest) (*contracts.Envelope, error) {
	ctx, span := p.opts.Tracer.Start(ctx, "send", slog.Int("size", len(req.Body)))

	env, err := p.Prepare(ctx, req)
	if err != nil {
		span.End(err)
		return nil, err
	}

	err = p.exec.Run(ctx, "send message", func(ctx context.Context) error {
		return p.transport.Send(ctx, env)
	})
	span.End(err)
	if err != nil {
		p.logger.Error("failed to send message",
			"messageId", env.MessageID,
			"offloaded", env.IsBlobBacked(),
			"error", err,
		)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("message sent",
		"messageId", env.MessageID,
		"offloaded", env.IsBlobBacked(),
		"size", len(req.Body),
	)
	return env, nil
}

// SendString sends a string body
func (p *MessagePublisher) SendString(ctx context.Context, body string, properties *contracts.Properties) (*contracts.Envelope, error) {
	return p.Send(ctx, SendRequest{Body: []byte(body), Properties: properties})
}

// SendBatch validates every request, prepares them in order and hands them
// to the batch assembler. A validation failure sends and stores nothing.
func (p *MessagePublisher) SendBatch(ctx context.Context, reqs []SendRequest) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, nil
	}

	for i, req := range reqs {
		if err := p.validator.Validate(req.Properties); err != nil {
			return BatchResult{}, fmt.Errorf("message %d: %w", i, err)
		}
	}

	envs := make([]*contracts.Envelope, 0, len(reqs))
	for i, req := range reqs {
		env, err := p.prepareValidated(ctx, req)
		if err != nil {
			return BatchResult{}, fmt.Errorf("failed to prepare message %d: %w", i, err)
		}
		envs = append(envs, env)
	}

	return p.assembler.Dispatch(ctx, envs)
}

// SendAsync runs Send on its own goroutine. The channel yields exactly one result.
func (p *MessagePublisher) SendAsync(ctx context.Context, req SendRequest) <-chan SendResult {
	results := make(chan SendResult, 1)
	go func() {
		defer close(results)
		env, err := p.Send(ctx, req)
		results <- SendResult{Envelope: env, Err: err}
	}()
	return results
}

// SendBatchAsync sends every request on its own goroutine. There is no
// concurrency cap. It waits for all of them and returns the first error.
func (p *MessagePublisher) SendBatchAsync(ctx context.Context, reqs []SendRequest) ([]*contracts.Envelope, error) {
	envs := make([]*contracts.Envelope, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			env, err := p.Send(ctx, req)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			envs[i] = env
			return nil
		})
	}

	return envs, g.Wait()
}

// Schedule prepares req and enqueues it for delivery at the given time.
// It returns the transport's sequence number for the scheduled message.
func (p *MessagePublisher) Schedule(ctx context.Context, req SendRequest, at time.Time) (int64, error) {
	env, err := p.Prepare(ctx, req)
	if err != nil {
		return 0, err
	}

	seq, err := reliability.Do(ctx, p.exec, "schedule message", func(ctx context.Context) (int64, error) {
		return p.transport.Schedule(ctx, env, at)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule message: %w", err)
	}

	p.logger.Debug("message scheduled",
		"sequenceNumber", seq,
		"scheduledFor", at,
		"offloaded", env.IsBlobBacked(),
	)
	return seq, nil
}

// Close closes the publisher. The transport and store are owned by the caller.
func (p *MessagePublisher) Close() error {
	return nil
}
