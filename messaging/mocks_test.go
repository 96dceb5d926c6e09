package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockTransport) NewBatch(ctx context.Context) (TransportBatch, error) {
	args := m.Called(ctx)
	if b := args.Get(0); b != nil {
		return b.(TransportBatch), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) SendBatch(ctx context.Context, batch TransportBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *mockTransport) Receive(ctx context.Context, subQueue SubQueue, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error) {
	args := m.Called(ctx, subQueue, maxCount, timeout)
	if envs := args.Get(0); envs != nil {
		return envs.([]*contracts.Envelope), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Defer(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockTransport) ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	args := m.Called(ctx, sequenceNumber)
	if env := args.Get(0); env != nil {
		return env.(*contracts.Envelope), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) RenewLock(ctx context.Context, env *contracts.Envelope) (time.Time, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockTransport) Schedule(ctx context.Context, env *contracts.Envelope, at time.Time) (int64, error) {
	args := m.Called(ctx, env, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransport) DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error {
	args := m.Called(ctx, env, reason, description)
	return args.Error(0)
}

func (m *mockTransport) Complete(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockTransport) Abandon(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Put(ctx context.Context, container, name string, data []byte, contentType string, metadata map[string]string) (contracts.BlobPointer, error) {
	args := m.Called(ctx, container, name, data, contentType, metadata)
	return args.Get(0).(contracts.BlobPointer), args.Error(1)
}

func (m *mockBlobStore) Get(ctx context.Context, pointer contracts.BlobPointer) ([]byte, error) {
	args := m.Called(ctx, pointer)
	if data := args.Get(0); data != nil {
		return data.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlobStore) Delete(ctx context.Context, pointer contracts.BlobPointer) error {
	args := m.Called(ctx, pointer)
	return args.Error(0)
}

func (m *mockBlobStore) List(ctx context.Context, container string) ([]BlobInfo, error) {
	args := m.Called(ctx, container)
	if blobs := args.Get(0); blobs != nil {
		return blobs.([]BlobInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlobStore) Metadata(ctx context.Context, pointer contracts.BlobPointer) (map[string]string, error) {
	args := m.Called(ctx, pointer)
	if meta := args.Get(0); meta != nil {
		return meta.(map[string]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlobStore) ReadURI(ctx context.Context, pointer contracts.BlobPointer, ttl time.Duration) (string, error) {
	args := m.Called(ctx, pointer, ttl)
	return args.String(0), args.Error(1)
}

// scriptedBatch accepts or rejects adds according to fits
type scriptedBatch struct {
	fits func(env *contracts.Envelope, held int) bool
	envs []*contracts.Envelope
}

func (b *scriptedBatch) TryAdd(env *contracts.Envelope) bool {
	if !b.fits(env, len(b.envs)) {
		return false
	}
	b.envs = append(b.envs, env)
	return true
}

func (b *scriptedBatch) Len() int {
	return len(b.envs)
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.NameResolver = BlobNameResolverFunc(func([]byte, *contracts.Properties) string {
		return "blob-1"
	})
	return opts
}
