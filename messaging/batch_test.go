package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingTransport hands out scripted batches and records what was sent
type recordingTransport struct {
	mockTransport
	fits    func(env *contracts.Envelope, held int) bool
	batches [][]*contracts.Envelope
	singles []*contracts.Envelope
	order   []string
}

func (r *recordingTransport) NewBatch(context.Context) (TransportBatch, error) {
	return &scriptedBatch{fits: r.fits}, nil
}

func (r *recordingTransport) SendBatch(_ context.Context, batch TransportBatch) error {
	b := batch.(*scriptedBatch)
	r.batches = append(r.batches, b.envs)
	for _, env := range b.envs {
		r.order = append(r.order, string(env.Body))
	}
	return nil
}

func (r *recordingTransport) Send(_ context.Context, env *contracts.Envelope) error {
	r.singles = append(r.singles, env)
	r.order = append(r.order, string(env.Body))
	return nil
}

func newTestExecutor() *reliability.Executor {
	return reliability.NewExecutor(DefaultOptions().Retry.Policy(), reliability.WithSleep(noSleep))
}

func envelopes(bodies ...string) []*contracts.Envelope {
	envs := make([]*contracts.Envelope, len(bodies))
	for i, b := range bodies {
		envs[i] = contracts.NewEnvelope([]byte(b))
	}
	return envs
}

func TestBatchAssemblerDispatch(t *testing.T) {
	capacity := func(n int) func(*contracts.Envelope, int) bool {
		return func(env *contracts.Envelope, held int) bool {
			return string(env.Body) != "huge" && held < n
		}
	}

	tests := []struct {
		name       string
		bodies     []string
		fits       func(*contracts.Envelope, int) bool
		batches    int
		individual int
	}{
		{
			name:    "everything fits in one batch",
			bodies:  []string{"a", "b", "c"},
			fits:    capacity(10),
			batches: 1,
		},
		{
			name:    "splits when a batch is full",
			bodies:  []string{"a", "b", "c", "d", "e"},
			fits:    capacity(2),
			batches: 3,
		},
		{
			name:       "first item never fits",
			bodies:     []string{"huge", "a", "b"},
			fits:       capacity(10),
			batches:    1,
			individual: 1,
		},
		{
			name:       "oversized item between batches",
			bodies:     []string{"a", "b", "huge", "c"},
			fits:       capacity(10),
			batches:    2,
			individual: 1,
		},
		{
			name:       "only oversized items",
			bodies:     []string{"huge", "huge"},
			fits:       capacity(10),
			individual: 2,
		},
		{
			name:   "nothing fits at all",
			bodies: []string{"a", "b", "c"},
			fits: func(*contracts.Envelope, int) bool {
				return false
			},
			individual: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &recordingTransport{fits: tt.fits}
			assembler := NewBatchAssembler(transport, newTestExecutor())

			result, err := assembler.Dispatch(context.Background(), envelopes(tt.bodies...))
			require.NoError(t, err)

			assert.Equal(t, len(tt.bodies), result.Total())
			assert.Equal(t, tt.batches, result.Batches)
			assert.Equal(t, tt.individual, result.Individual)
			assert.Len(t, transport.batches, tt.batches)
			assert.Len(t, transport.singles, tt.individual)
			assert.Equal(t, tt.bodies, transport.order)
		})
	}
}

func TestBatchAssemblerArbitraryResponses(t *testing.T) {
	// accept/reject decided by a fixed pseudo-random sequence
	for seed := 0; seed < 50; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			state := uint32(seed*2654435761 + 1)
			transport := &recordingTransport{fits: func(*contracts.Envelope, int) bool {
				state = state*1103515245 + 12345
				return (state>>16)%3 != 0
			}}
			assembler := NewBatchAssembler(transport, newTestExecutor())

			bodies := make([]string, 1+seed%17)
			for i := range bodies {
				bodies[i] = fmt.Sprintf("m%d", i)
			}

			result, err := assembler.Dispatch(context.Background(), envelopes(bodies...))
			require.NoError(t, err)
			assert.Equal(t, len(bodies), result.Total())
			assert.Equal(t, bodies, transport.order)
			for _, b := range transport.batches {
				assert.NotEmpty(t, b)
			}
		})
	}
}

func TestBatchAssemblerEmptyInput(t *testing.T) {
	transport := &mockTransport{}
	assembler := NewBatchAssembler(transport, newTestExecutor())

	result, err := assembler.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	transport.AssertNotCalled(t, "NewBatch", mock.Anything)
}

func TestBatchAssemblerRetriesFlush(t *testing.T) {
	transport := &mockTransport{}
	batch := &scriptedBatch{fits: func(*contracts.Envelope, int) bool { return true }}
	transport.On("NewBatch", mock.Anything).Return(batch, nil)
	transport.On("SendBatch", mock.Anything, batch).Return(errors.New("broker busy")).Once()
	transport.On("SendBatch", mock.Anything, batch).Return(nil).Once()

	assembler := NewBatchAssembler(transport, newTestExecutor())
	result, err := assembler.Dispatch(context.Background(), envelopes("a", "b"))

	require.NoError(t, err)
	assert.Equal(t, 2, result.Batched)
	transport.AssertNumberOfCalls(t, "SendBatch", 2)
}

func TestBatchAssemblerFlushExhausted(t *testing.T) {
	transport := &mockTransport{}
	batch := &scriptedBatch{fits: func(*contracts.Envelope, int) bool { return true }}
	transport.On("NewBatch", mock.Anything).Return(batch, nil)
	transport.On("SendBatch", mock.Anything, batch).Return(errors.New("broker down"))

	assembler := NewBatchAssembler(transport, newTestExecutor())
	_, err := assembler.Dispatch(context.Background(), envelopes("a"))

	var retryErr *reliability.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	transport.AssertNumberOfCalls(t, "SendBatch", 3)
}
