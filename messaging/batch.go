package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
)

// BatchResult counts how prepared envelopes were dispatched
type BatchResult struct {
	// Batches is the number of transport batches flushed
	Batches int

	// Batched is the number of envelopes sent inside batches
	Batched int

	// Individual is the number of envelopes too large for any batch
	Individual int
}

// Total returns the number of envelopes dispatched
func (r BatchResult) Total() int {
	return r.Batched + r.Individual
}

// BatchAssembler packs prepared envelopes into transport batches, splitting
// whenever the transport rejects an add. It holds no per-call state.
type BatchAssembler struct {
	transport Transport
	exec      *reliability.Executor
	logger    *slog.Logger
}

// AssemblerOption configures the BatchAssembler
type AssemblerOption func(*BatchAssembler)

// WithAssemblerLogger sets the logger
func WithAssemblerLogger(logger *slog.Logger) AssemblerOption {
	return func(a *BatchAssembler) {
		a.logger = logger
	}
}

// NewBatchAssembler creates an assembler. Flushes and individual sends run
// through exec.
func NewBatchAssembler(transport Transport, exec *reliability.Executor, options ...AssemblerOption) *BatchAssembler {
	a := &BatchAssembler{
		transport: transport,
		exec:      exec,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Dispatch sends envs in order. An envelope rejected by a non-empty batch
// flushes that batch and is tried again in a fresh one; an envelope rejected
// by an empty batch is sent on its own.
func (a *BatchAssembler) Dispatch(ctx context.Context, envs []*contracts.Envelope) (BatchResult, error) {
	var result BatchResult
	if len(envs) == 0 {
		return result, nil
	}

	batch, err := a.transport.NewBatch(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to create batch: %w", err)
	}

	for i := 0; i < len(envs); {
		env := envs[i]
		if env == nil {
			return result, fmt.Errorf("message %d: %w", i, ErrNilEnvelope)
		}

		if batch.TryAdd(env) {
			i++
			continue
		}

		if batch.Len() == 0 {
			a.logger.Warn("message does not fit in a batch, sending individually",
				"index", i,
				"messageId", env.MessageID,
				"bodySize", len(env.Body),
			)
			if err := a.exec.Run(ctx, "send message", func(ctx context.Context) error {
				return a.transport.Send(ctx, env)
			}); err != nil {
				return result, fmt.Errorf("failed to send message %d: %w", i, err)
			}
			result.Individual++
			i++
			continue
		}

		if err := a.flush(ctx, batch); err != nil {
			return result, err
		}
		result.Batches++
		result.Batched += batch.Len()

		batch, err = a.transport.NewBatch(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to create batch: %w", err)
		}
	}

	if batch.Len() > 0 {
		if err := a.flush(ctx, batch); err != nil {
			return result, err
		}
		result.Batches++
		result.Batched += batch.Len()
	}

	a.logger.Debug("batch dispatched",
		"messages", len(envs),
		"batches", result.Batches,
		"individual", result.Individual,
	)
	return result, nil
}

func (a *BatchAssembler) flush(ctx context.Context, batch TransportBatch) error {
	err := a.exec.Run(ctx, "send batch", func(ctx context.Context) error {
		return a.transport.SendBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("failed to send batch of %d messages: %w", batch.Len(), err)
	}
	return nil
}
