package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
)

// Cleaner deletes the blobs behind consumed messages and sweeps expired blobs
type Cleaner struct {
	store  *PayloadStore
	opts   Options
	logger *slog.Logger
	sleep  reliability.SleepFunc
	now    func() time.Time
}

// CleanerOption configures the Cleaner
type CleanerOption func(*Cleaner)

// WithCleanerLogger sets the logger
func WithCleanerLogger(logger *slog.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithCleanerSleep replaces the pause between retry attempts
func WithCleanerSleep(sleep func(ctx context.Context, d time.Duration) error) CleanerOption {
	return func(c *Cleaner) {
		c.sleep = sleep
	}
}

// WithCleanerClock sets the clock expiry is compared against
func WithCleanerClock(now func() time.Time) CleanerOption {
	return func(c *Cleaner) {
		c.now = now
	}
}

// NewCleaner creates a cleaner over store
func NewCleaner(store BlobStore, opts Options, options ...CleanerOption) (*Cleaner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Cleaner{
		opts:   opts.withDefaults(),
		logger: slog.Default(),
		sleep:  reliability.ContextSleep,
		now:    time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	exec := reliability.NewExecutor(c.opts.Retry.Policy(),
		reliability.WithSleep(c.sleep),
		reliability.WithRetryLogger(c.logger),
	)
	c.store = NewPayloadStore(store, exec, c.logger)

	return c, nil
}

// Delete removes the blob behind env. It is a no-op returning false when
// cleanup is disabled or env does not reference a blob. Failures are logged
// before they are returned.
func (c *Cleaner) Delete(ctx context.Context, env *contracts.Envelope) (bool, error) {
	if !c.opts.CleanupOnDelete || env == nil || !env.IsBlobBacked() {
		return false, nil
	}

	pointer, ok := pointerOf(env)
	if !ok {
		return false, nil
	}

	if err := c.store.Delete(ctx, pointer); err != nil {
		c.logger.Warn("failed to delete payload",
			"container", pointer.ContainerName,
			"blobName", pointer.BlobName,
			"messageId", env.MessageID,
			"error", err,
		)
		return false, err
	}

	c.logger.Debug("payload deleted",
		"container", pointer.ContainerName,
		"blobName", pointer.BlobName,
		"messageId", env.MessageID,
	)
	return true, nil
}

// DeleteBatch deletes the blobs behind envs one at a time. Failures are
// logged and skipped; the number of blobs deleted is returned.
func (c *Cleaner) DeleteBatch(ctx context.Context, envs []*contracts.Envelope) int {
	deleted := 0
	for i, env := range envs {
		ok, err := c.Delete(ctx, env)
		if err != nil {
			c.logger.Debug("batch delete skipped message", "index", i)
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted
}

// Sweep deletes every blob in the container whose expiry has passed. Blobs
// without an expiry are kept. A failure on one blob is logged and the sweep
// moves on to the next.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	blobs, err := c.store.List(ctx, c.opts.ContainerName)
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs for sweep: %w", err)
	}

	now := c.now()
	deleted := 0
	for _, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		metadata, err := c.store.Metadata(ctx, blob.Pointer)
		if err != nil {
			c.logger.Warn("failed to read blob metadata",
				"blobName", blob.Pointer.BlobName,
				"error", err,
			)
			continue
		}

		expiresAt, ok, err := ExpiryOf(metadata)
		if err != nil {
			c.logger.Warn("invalid blob expiry",
				"blobName", blob.Pointer.BlobName,
				"error", err,
			)
			continue
		}
		if !ok || expiresAt.After(now) {
			continue
		}

		if err := c.store.Delete(ctx, blob.Pointer); err != nil {
			c.logger.Warn("failed to delete expired blob",
				"blobName", blob.Pointer.BlobName,
				"error", err,
			)
			continue
		}
		deleted++
	}

	c.logger.Info("blob sweep completed",
		"container", c.opts.ContainerName,
		"scanned", len(blobs),
		"deleted", deleted,
	)
	return deleted, nil
}

// RunSweeper sweeps every interval until ctx is done
func (c *Cleaner) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidOptions)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("blob sweep failed", "error", err)
			}
		}
	}
}

// pointerOf finds the blob an envelope references: the resolved pointer on
// a received envelope, or the pointer body of a raw one
func pointerOf(env *contracts.Envelope) (contracts.BlobPointer, bool) {
	if env.Blob != nil {
		return *env.Blob, true
	}
	if !env.Properties.Bool(contracts.BlobPointerKey) {
		return contracts.BlobPointer{}, false
	}
	pointer, err := contracts.DecodePointer(env.Body)
	if err != nil {
		return contracts.BlobPointer{}, false
	}
	return pointer, true
}
