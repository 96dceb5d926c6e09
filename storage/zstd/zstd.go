// Package zstd wraps a messaging.BlobStore with transparent zstd
// compression of stored payloads. Compressed blobs are tagged through
// metadata; blobs written without the wrapper are read back unchanged.
// URIs from ReadURI serve the stored, possibly compressed, bytes.
package zstd

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/messaging"
	"github.com/klauspost/compress/zstd"
)

// Metadata written on compressed blobs
const (
	EncodingMetadataKey = "content-encoding"
	SizeMetadataKey     = "uncompressed-size"
	Encoding            = "zstd"
)

// DefaultMinSize is the smallest payload worth compressing
const DefaultMinSize = 1024

// The uncompressed-size metadata only presizes the output buffer; it is
// bounded by maxCapacityHint and by maxRatio times the compressed length.
const (
	maxCapacityHint = 64 << 20
	maxRatio        = 64
)

var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Store compresses on Put and decompresses on Get
type Store struct {
	inner   messaging.BlobStore
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	minSize int
}

// Option configures the Store
type Option func(*config)

type config struct {
	level   zstd.EncoderLevel
	minSize int
}

// WithLevel sets the encoder level
func WithLevel(level zstd.EncoderLevel) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithMinSize sets the smallest payload that is compressed
func WithMinSize(n int) Option {
	return func(c *config) {
		c.minSize = n
	}
}

// New wraps inner. The encoder and decoder are shared and safe for concurrent use.
func New(inner messaging.BlobStore, options ...Option) (*Store, error) {
	cfg := config{level: zstd.SpeedDefault, minSize: DefaultMinSize}
	for _, opt := range options {
		opt(&cfg)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.level))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder initialization failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd decoder initialization failed: %w", err)
	}

	return &Store{
		inner:   inner,
		encoder: encoder,
		decoder: decoder,
		minSize: cfg.minSize,
	}, nil
}

// Put implements messaging.BlobStore. Payloads below the minimum size, or
// that do not shrink, are stored as they are.
func (s *Store) Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error) {
	if len(data) < s.minSize {
		return s.inner.Put(ctx, container, name, data, contentType, metadata)
	}

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return s.inner.Put(ctx, container, name, data, contentType, metadata)
	}

	tagged := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		tagged[k] = v
	}
	tagged[EncodingMetadataKey] = Encoding
	tagged[SizeMetadataKey] = strconv.Itoa(len(data))

	return s.inner.Put(ctx, container, name, compressed, contentType, tagged)
}

// Get implements messaging.BlobStore. Metadata is only consulted for blobs
// that start with the zstd frame magic.
func (s *Store) Get(ctx context.Context, pointer contracts.BlobPointer) ([]byte, error) {
	data, err := s.inner.Get(ctx, pointer)
	if err != nil || !bytes.HasPrefix(data, magic) {
		return data, err
	}

	metadata, err := s.inner.Metadata(ctx, pointer)
	if err != nil {
		return nil, err
	}
	if metadata[EncodingMetadataKey] != Encoding {
		return data, nil
	}

	out, err := s.decoder.DecodeAll(data, make([]byte, 0, capacityHint(metadata[SizeMetadataKey], len(data))))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", pointer, err)
	}
	return out, nil
}

func capacityHint(size string, compressed int) int {
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	limit := int64(compressed) * maxRatio
	if limit > maxCapacityHint {
		limit = maxCapacityHint
	}
	if n > limit {
		return int(limit)
	}
	return int(n)
}

// Delete implements messaging.BlobStore
func (s *Store) Delete(ctx context.Context, pointer contracts.BlobPointer) error {
	return s.inner.Delete(ctx, pointer)
}

// List implements messaging.BlobStore. Sizes are the stored sizes.
func (s *Store) List(ctx context.Context, container string) ([]messaging.BlobInfo, error) {
	return s.inner.List(ctx, container)
}

// CheckContainer forwards to the wrapped store when it can check containers
func (s *Store) CheckContainer(ctx context.Context, container string) error {
	if checker, ok := s.inner.(interface {
		CheckContainer(ctx context.Context, container string) error
	}); ok {
		return checker.CheckContainer(ctx, container)
	}
	return ctx.Err()
}

// Metadata implements messaging.BlobStore
func (s *Store) Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error) {
	return s.inner.Metadata(ctx, pointer)
}

// ReadURI implements messaging.BlobStore
func (s *Store) ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error) {
	return s.inner.ReadURI(ctx, pointer, ttl)
}

// Close releases the encoder and decoder
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}
