package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
)

// ExpiresAtMetadataKey holds a blob's expiry (RFC 3339, UTC) for the sweeper
const ExpiresAtMetadataKey = "expires-at"

// BlobStore is the out-of-band store offloaded payloads live in.
// Connection and authentication setup belong to the implementation.
type BlobStore interface {
	// Put writes data and returns a pointer to it
	Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error)

	// Get reads a blob; a missing blob yields ErrBlobNotFound
	Get(ctx context.Context, pointer contracts.BlobPointer) ([]byte, error)

	// Delete removes a blob; deleting a missing blob may return ErrBlobNotFound
	Delete(ctx context.Context, pointer contracts.BlobPointer) error

	// List enumerates the blobs of a container
	List(ctx context.Context, container string) ([]BlobInfo, error)

	// Metadata reads a blob's user metadata
	Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error)

	// ReadURI returns a URI granting read access for ttl
	ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error)
}

// BlobInfo describes a listed blob
type BlobInfo struct {
	Pointer      contracts.BlobPointer
	Size         int64
	LastModified time.Time
}

// PayloadStore wraps a BlobStore with the retry executor. Not-found is a
// result rather than a failure, so it is never retried.
type PayloadStore struct {
	store  BlobStore
	exec   *reliability.Executor
	logger *slog.Logger
}

// NewPayloadStore creates the retrying facade
func NewPayloadStore(store BlobStore, exec *reliability.Executor, logger *slog.Logger) *PayloadStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadStore{store: store, exec: exec, logger: logger}
}

// Put writes data under container/name
func (s *PayloadStore) Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error) {
	pointer, err := reliability.Do(ctx, s.exec, "put blob", func(ctx context.Context) (contracts.BlobPointer, error) {
		return s.store.Put(ctx, container, name, data, contentType, metadata)
	})
	if err != nil {
		return contracts.BlobPointer{}, &PayloadError{Op: "put", Pointer: contracts.NewBlobPointer(container, name), Err: err}
	}

	s.logger.Debug("payload stored",
		"container", pointer.ContainerName,
		"blobName", pointer.BlobName,
		"size", len(data),
	)
	return pointer, nil
}

// Get reads the blob behind pointer. found is false when the blob does not exist.
func (s *PayloadStore) Get(ctx context.Context, pointer contracts.BlobPointer) (data []byte, found bool, err error) {
	type result struct {
		data  []byte
		found bool
	}
	r, err := reliability.Do(ctx, s.exec, "get blob", func(ctx context.Context) (result, error) {
		data, err := s.store.Get(ctx, pointer)
		if errors.Is(err, ErrBlobNotFound) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{data: data, found: true}, nil
	})
	if err != nil {
		return nil, false, &PayloadError{Op: "get", Pointer: pointer, Err: err}
	}
	return r.data, r.found, nil
}

// Delete removes the blob. Deleting a missing blob succeeds.
func (s *PayloadStore) Delete(ctx context.Context, pointer contracts.BlobPointer) error {
	err := s.exec.Run(ctx, "delete blob", func(ctx context.Context) error {
		err := s.store.Delete(ctx, pointer)
		if errors.Is(err, ErrBlobNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return &PayloadError{Op: "delete", Pointer: pointer, Err: err}
	}
	return nil
}

// List enumerates a container
func (s *PayloadStore) List(ctx context.Context, container string) ([]BlobInfo, error) {
	blobs, err := reliability.Do(ctx, s.exec, "list blobs", func(ctx context.Context) ([]BlobInfo, error) {
		return s.store.List(ctx, container)
	})
	if err != nil {
		return nil, &PayloadError{Op: "list", Pointer: contracts.NewBlobPointer(container, ""), Err: err}
	}
	return blobs, nil
}

// Metadata reads user metadata without retrying; the sweeper handles
// per-entry failures itself
func (s *PayloadStore) Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error) {
	return s.store.Metadata(ctx, pointer)
}

// ReadURI returns a time-limited read URI
func (s *PayloadStore) ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error) {
	uri, err := reliability.Do(ctx, s.exec, "read uri", func(ctx context.Context) (string, error) {
		return s.store.ReadURI(ctx, pointer, ttl)
	})
	if err != nil {
		return "", &PayloadError{Op: "read uri", Pointer: pointer, Err: err}
	}
	return uri, nil
}

// ExpiryOf parses ExpiresAtMetadataKey. ok is false when no expiry is recorded.
func ExpiryOf(metadata map[string]string) (expiresAt time.Time, ok bool, err error) {
	raw, present := lookupMetadata(metadata, ExpiresAtMetadataKey)
	if !present || raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// lookupMetadata finds key case-insensitively; some stores canonicalize metadata names
func lookupMetadata(metadata map[string]string, key string) (string, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
