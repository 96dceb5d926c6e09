// Package memory provides an in-memory BlobStore for tests and local runs
package memory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/messaging"
)

type object struct {
	data         []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
}

// Store is an in-memory implementation of messaging.BlobStore
type Store struct {
	mu      sync.RWMutex
	objects map[contracts.BlobPointer]*object
	now     func() time.Time
}

// Option configures the Store
type Option func(*Store)

// WithClock sets the clock used for modification times and read URI expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(options ...Option) *Store {
	s := &Store{
		objects: make(map[contracts.BlobPointer]*object),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Put implements messaging.BlobStore
func (s *Store) Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error) {
	if err := ctx.Err(); err != nil {
		return contracts.BlobPointer{}, err
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	pointer := contracts.NewBlobPointer(container, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[pointer] = &object{
		data:         append([]byte(nil), data...),
		contentType:  contentType,
		metadata:     meta,
		lastModified: s.now(),
	}
	return pointer, nil
}

// Get implements messaging.BlobStore
func (s *Store) Get(ctx context.Context, pointer contracts.BlobPointer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[pointer]
	if !exists {
		return nil, messaging.ErrBlobNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete implements messaging.BlobStore
func (s *Store) Delete(ctx context.Context, pointer contracts.BlobPointer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[pointer]; !exists {
		return messaging.ErrBlobNotFound
	}
	delete(s.objects, pointer)
	return nil
}

// List implements messaging.BlobStore. Entries are ordered by name.
func (s *Store) List(ctx context.Context, container string) ([]messaging.BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var blobs []messaging.BlobInfo
	for pointer, obj := range s.objects {
		if pointer.ContainerName != container {
			continue
		}
		blobs = append(blobs, messaging.BlobInfo{
			Pointer:      pointer,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(blobs, func(i, j int) bool {
		return blobs[i].Pointer.BlobName < blobs[j].Pointer.BlobName
	})
	return blobs, nil
}

// CheckContainer always succeeds; containers exist implicitly
func (s *Store) CheckContainer(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Metadata implements messaging.BlobStore
func (s *Store) Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[pointer]
	if !exists {
		return nil, messaging.ErrBlobNotFound
	}
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return meta, nil
}

// ReadURI implements messaging.BlobStore. The URI only identifies the blob;
// nothing serves it.
func (s *Store) ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	_, exists := s.objects[pointer]
	s.mu.RUnlock()
	if !exists {
		return "", messaging.ErrBlobNotFound
	}

	u := url.URL{
		Scheme:   "memory",
		Host:     pointer.ContainerName,
		Path:     "/" + pointer.BlobName,
		RawQuery: url.Values{"expires": {s.now().Add(ttl).UTC().Format(time.RFC3339)}}.Encode(),
	}
	return u.String(), nil
}

// ContentType returns the content type a blob was stored with
func (s *Store) ContentType(pointer contracts.BlobPointer) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[pointer]
	if !exists {
		return "", fmt.Errorf("%s: %w", pointer, messaging.ErrBlobNotFound)
	}
	return obj.contentType, nil
}

// Len returns the number of stored blobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
