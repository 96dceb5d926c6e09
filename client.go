// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package largemsg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-largemsg/config"
	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/health"
	"github.com/glimte/mmate-largemsg/messaging"
	"github.com/glimte/mmate-largemsg/storage/s3"
	"github.com/glimte/mmate-largemsg/storage/zstd"
	rabbitmqTransport "github.com/glimte/mmate-largemsg/transports/rabbitmq"
)

// Client provides the main entry point: a publisher, a subscriber and a
// cleaner sharing one transport, one blob store and one set of options
type Client struct {
	transport  messaging.Transport
	store      messaging.BlobStore
	publisher  *messaging.MessagePublisher
	subscriber *messaging.MessageSubscriber
	cleaner    *messaging.Cleaner
	health     *health.Registry
	logger     *slog.Logger

	closers     []io.Closer
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	sweepInterval time.Duration
	transportOpts []rabbitmqTransport.TransportOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSweepInterval runs the expired-blob sweeper in the background
func WithSweepInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sweepInterval = interval
	}
}

// WithTransportOptions passes extra options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOpts = append(cfg.transportOpts, opts...)
	}
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewClient connects to RabbitMQ and S3 as described by cfg
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options = append([]ClientOption{WithSweepInterval(cfg.LargeMessage.SweepInterval)}, options...)
	cc := newClientConfig(options)

	store, err := s3.New(ctx, cfg.StoreConfig(), s3.WithLogger(cc.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}
	if err := store.EnsureBucket(ctx, cfg.LargeMessage.Container); err != nil {
		return nil, fmt.Errorf("failed to prepare blob container: %w", err)
	}

	var blobs messaging.BlobStore = store
	var closers []io.Closer
	if cfg.LargeMessage.CompressBlobs {
		compressed, err := zstd.New(store)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressing store: %w", err)
		}
		blobs = compressed
		closers = append(closers, compressed)
	}

	transportOpts := append([]rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cc.logger),
		rabbitmqTransport.WithMaxBatchBytes(cfg.AMQP.MaxBatchBytes),
		rabbitmqTransport.WithMaxMessageBytes(cfg.AMQP.MaxMessageBytes),
		rabbitmqTransport.WithLockDuration(cfg.AMQP.LockDuration),
		rabbitmqTransport.WithDeclareTopology(cfg.AMQP.DeclareTopology),
	}, cc.transportOpts...)

	transport, err := rabbitmqTransport.NewTransport(ctx, cfg.AMQP.URL, cfg.AMQP.Queue, transportOpts...)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, blobs, cfg.MessagingOptions(), cc)
	if err != nil {
		transport.Close()
		closeAll(closers)
		return nil, err
	}
	client.closers = closers
	client.health.Register(health.NewQueueChecker(transport, transport.Queues().DeadLetter, cfg.AMQP.DeadLetterAlertThreshold))
	return client, nil
}

// NewClientWithTransport builds a client on an existing transport and store.
// The client takes ownership of the transport and closes it on Close.
func NewClientWithTransport(transport messaging.Transport, store messaging.BlobStore, opts messaging.Options, options ...ClientOption) (*Client, error) {
	if transport == nil || store == nil {
		return nil, fmt.Errorf("%w: transport and store are required", messaging.ErrInvalidOptions)
	}
	return newClient(transport, store, opts, newClientConfig(options))
}

func newClient(transport messaging.Transport, store messaging.BlobStore, opts messaging.Options, cc *clientConfig) (*Client, error) {
	cleaner, err := messaging.NewCleaner(store, opts, messaging.WithCleanerLogger(cc.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cleaner: %w", err)
	}

	publisher, err := messaging.NewMessagePublisher(transport, store, opts,
		messaging.WithPublisherLogger(cc.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	subscriber, err := messaging.NewMessageSubscriber(transport, store, opts,
		messaging.WithSubscriberLogger(cc.logger),
		messaging.WithCleaner(cleaner))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}

	c := &Client{
		transport:  transport,
		store:      store,
		publisher:  publisher,
		subscriber: subscriber,
		cleaner:    cleaner,
		health:     health.NewRegistry(),
		logger:     cc.logger,
	}

	c.health.Register(health.NewBlobStoreChecker(store, opts.ContainerName))
	if conn, ok := transport.(health.ConnectionState); ok {
		c.health.Register(health.NewConnectionChecker(conn))
	}

	if cc.sweepInterval > 0 {
		c.startSweeper(cc.sweepInterval)
	}
	return c, nil
}

func (c *Client) startSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		if err := c.cleaner.RunSweeper(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("blob sweeper stopped", "error", err)
		}
	}()
	c.logger.Info("blob sweeper started", "interval", interval)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.MessageSubscriber {
	return c.subscriber
}

// Cleaner returns the blob cleaner
func (c *Client) Cleaner() *messaging.Cleaner {
	return c.cleaner
}

// Health returns the registry of readiness checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Send sends body with optional properties, offloading it when it is large
func (c *Client) Send(ctx context.Context, body []byte, properties *contracts.Properties) (*contracts.Envelope, error) {
	return c.publisher.Send(ctx, messaging.SendRequest{Body: body, Properties: properties})
}

// Receive receives and resolves up to maxCount messages
func (c *Client) Receive(ctx context.Context, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	return c.subscriber.Receive(ctx, maxCount, timeout)
}

// Subscribe processes messages with handler until ctx ends
func (c *Client) Subscribe(ctx context.Context, handler messaging.MessageHandler) error {
	return c.subscriber.Subscribe(ctx, handler, messaging.DefaultSubscribeOptions())
}

// Close stops the sweeper and closes the transport and owned stores
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.sweepCancel != nil {
			c.sweepCancel()
			<-c.sweepDone
		}

		var errs []error
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
		if err := closeAll(c.closers); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
