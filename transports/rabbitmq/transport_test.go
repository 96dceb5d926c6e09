package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/glimte/mmate-largemsg/internal/rabbitmq"
	"github.com/glimte/mmate-largemsg/internal/reliability"
	"github.com/glimte/mmate-largemsg/messaging"
	blobmemory "github.com/glimte/mmate-largemsg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTransport(t *testing.T, options ...TransportOption) (*Transport, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	opts := append([]TransportOption{
		WithPollInterval(time.Millisecond),
		WithClock(func() time.Time { return fixedNow }),
	}, options...)
	tr, err := NewWithBroker("orders", broker, broker, opts...)
	require.NoError(t, err)
	return tr, broker
}

func receiveOne(t *testing.T, tr *Transport, subQueue messaging.SubQueue) *contracts.Envelope {
	t.Helper()
	envs, err := tr.Receive(context.Background(), subQueue, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	return envs[0]
}

func TestNewWithBroker(t *testing.T) {
	broker := newFakeBroker()

	_, err := NewWithBroker("", broker, broker)
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

	_, err = NewWithBroker("orders", nil, broker)
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

	tr, err := NewWithBroker("orders", broker, broker)
	require.NoError(t, err)
	assert.Equal(t, "orders.dlq", tr.Queues().DeadLetter)
}

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips body, properties and identity", func(t *testing.T) {
		tr, broker := newTestTransport(t)

		env := contracts.NewEnvelope([]byte("hello"))
		env.MessageID = "m-1"
		env.SessionID = "s-1"
		env.ContentType = "text/plain"
		env.Props().Set("zeta", "last-alphabetically")
		env.Props().Set("count", 3)
		env.Props().Set("flag", true)
		env.Props().Set("alpha", 1.5)
		require.NoError(t, tr.Send(ctx, env))
		assert.Equal(t, 1, broker.depth("orders"))

		got := receiveOne(t, tr, messaging.SubQueueNone)
		assert.Equal(t, []byte("hello"), got.Body)
		assert.Equal(t, "m-1", got.MessageID)
		assert.Equal(t, "s-1", got.SessionID)
		assert.Equal(t, "text/plain", got.ContentType)
		assert.Equal(t, fixedNow, got.EnqueuedAt)
		assert.Equal(t, 1, got.DeliveryCount)
		assert.NotZero(t, got.SequenceNumber)
		assert.NotEmpty(t, got.LockToken)
		assert.Equal(t, []string{"zeta", "count", "flag", "alpha"}, got.Properties.Keys())

		n, ok := got.Properties.Int64("count")
		assert.True(t, ok)
		assert.Equal(t, int64(3), n)
		assert.True(t, got.Properties.Bool("flag"))
		assert.Equal(t, 1, tr.Held())
	})

	t.Run("sequence numbers increase", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("b"))))

		envs, err := tr.Receive(ctx, messaging.SubQueueNone, 10, 50*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Less(t, envs[0].SequenceNumber, envs[1].SequenceNumber)
	})

	t.Run("rejects a nil envelope", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		assert.ErrorIs(t, tr.Send(ctx, nil), messaging.ErrNilEnvelope)
	})

	t.Run("oversized messages fail permanently", func(t *testing.T) {
		tr, broker := newTestTransport(t, WithMaxMessageBytes(16))

		err := tr.Send(ctx, contracts.NewEnvelope(bytes.Repeat([]byte("x"), 64)))
		assert.ErrorIs(t, err, ErrMessageTooLarge)
		assert.False(t, reliability.IsRetryable(err))
		assert.Equal(t, 0, broker.depth("orders"))
	})

	t.Run("publish errors surface", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		broker.publishErr = errors.New("nacked")
		assert.EqualError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))), "nacked")
	})

	t.Run("Receive honours maxCount", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		}

		envs, err := tr.Receive(ctx, messaging.SubQueueNone, 2, time.Second)
		require.NoError(t, err)
		assert.Len(t, envs, 2)
		assert.Equal(t, 1, broker.depth("orders"))
	})

	t.Run("Receive times out on an empty queue", func(t *testing.T) {
		tr, _ := newTestTransport(t)

		start := time.Now()
		envs, err := tr.Receive(ctx, messaging.SubQueueNone, 5, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, envs)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Receive stops on context cancellation", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := tr.Receive(cctx, messaging.SubQueueNone, 1, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("foreign headers become properties", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, broker.PublishBatch(ctx, []rabbitmq.PublishMessage{{
			RoutingKey: "orders",
		}}))
		broker.queues["orders"][0].Headers = map[string]interface{}{"origin": "legacy", HeaderDeliveryCount: int64(2)}

		got := receiveOne(t, tr, messaging.SubQueueNone)
		v, ok := got.Properties.String("origin")
		assert.True(t, ok)
		assert.Equal(t, "legacy", v)
		assert.False(t, got.Properties.Has(HeaderDeliveryCount))
		assert.Equal(t, 3, got.DeliveryCount)
	})
}

func TestTransportOwnedProperties(t *testing.T) {
	ctx := context.Background()
	tr, broker := newTestTransport(t)

	assert.Equal(t, []string{
		HeaderDeadLetterDescription, HeaderDeadLetterReason, HeaderDeliveryCount,
		HeaderPriorDeliveries, HeaderPropertyOrder, HeaderSequenceNumber, HeaderSessionID,
	}, tr.ReservedPropertyKeys())

	for _, key := range tr.ReservedPropertyKeys() {
		env := contracts.NewEnvelope([]byte("a"))
		env.Properties.Set(key, "forged")

		err := tr.Send(ctx, env)
		var verr *contracts.ValidationError
		require.ErrorAs(t, err, &verr, key)
		assert.Equal(t, key, verr.Field)
		assert.False(t, reliability.IsRetryable(err), key)
	}
	assert.Empty(t, broker.published)

	publisher, err := messaging.NewMessagePublisher(tr, blobmemory.New(), messaging.DefaultOptions())
	require.NoError(t, err)
	_, err = publisher.Send(ctx, messaging.SendRequest{
		Body:       []byte("a"),
		Properties: contracts.NewProperties(HeaderDeliveryCount, int64(1)),
	})
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.Empty(t, broker.published)
}

func TestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("fills up to the byte limit and publishes in one call", func(t *testing.T) {
		tr, broker := newTestTransport(t, WithMaxBatchBytes(250))

		batch, err := tr.NewBatch(ctx)
		require.NoError(t, err)

		added := 0
		for batch.TryAdd(contracts.NewEnvelope(bytes.Repeat([]byte("x"), 100))) {
			added++
		}
		assert.Equal(t, 2, added)
		assert.Equal(t, 2, batch.Len())

		require.NoError(t, tr.SendBatch(ctx, batch))
		require.Len(t, broker.published, 1)
		assert.Len(t, broker.published[0], 2)
		assert.Equal(t, 2, broker.depth("orders"))
	})

	t.Run("an envelope larger than the limit never fits", func(t *testing.T) {
		tr, _ := newTestTransport(t, WithMaxBatchBytes(10))
		batch, err := tr.NewBatch(ctx)
		require.NoError(t, err)

		assert.False(t, batch.TryAdd(contracts.NewEnvelope(bytes.Repeat([]byte("x"), 11))))
		assert.Equal(t, 0, batch.Len())
	})

	t.Run("batches from another transport are refused", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		other, _ := newTestTransport(t)

		batch, err := other.NewBatch(ctx)
		require.NoError(t, err)
		assert.ErrorIs(t, tr.SendBatch(ctx, batch), messaging.ErrForeignBatch)
	})
}

func TestSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("Complete acks once", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		require.NoError(t, tr.Complete(ctx, env))
		acked, _ := broker.stats()
		assert.Equal(t, 1, acked)
		assert.Equal(t, 0, tr.Held())

		assert.ErrorIs(t, tr.Complete(ctx, env), messaging.ErrLockLost)
	})

	t.Run("Abandon requeues for redelivery", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		require.NoError(t, tr.Abandon(ctx, env))
		assert.Equal(t, 1, broker.depth("orders"))

		again := receiveOne(t, tr, messaging.SubQueueNone)
		assert.Equal(t, 2, again.DeliveryCount)
		assert.Equal(t, env.SequenceNumber, again.SequenceNumber)
		assert.NotEqual(t, env.LockToken, again.LockToken)
	})

	t.Run("a dead channel means the lock is lost", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		broker.loseChannel()
		assert.ErrorIs(t, tr.Complete(ctx, env), messaging.ErrLockLost)
	})

	t.Run("DeadLetter moves the message with its reason", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("poison"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		require.NoError(t, tr.DeadLetter(ctx, env, "ProcessingFailed", "handler exploded"))
		assert.Equal(t, 0, broker.depth("orders"))
		assert.Equal(t, 1, broker.depth("orders.dlq"))

		dead := receiveOne(t, tr, messaging.SubQueueDeadLetter)
		assert.Equal(t, []byte("poison"), dead.Body)
		assert.Equal(t, "ProcessingFailed", dead.DeadLetterReason)
		assert.Equal(t, "handler exploded", dead.DeadLetterDescription)
		assert.Equal(t, 2, dead.DeliveryCount)
		assert.False(t, dead.Properties.Has(HeaderDeadLetterReason))
	})

	t.Run("DeadLetter keeps the hold when the publish fails", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		broker.publishErr = errors.New("broker down")
		assert.Error(t, tr.DeadLetter(ctx, env, "r", "d"))
		assert.Equal(t, 1, tr.Held())

		broker.publishErr = nil
		require.NoError(t, tr.Abandon(ctx, env))
		assert.Equal(t, 1, broker.depth("orders"))
	})

	t.Run("settling during a move sees a lost lock", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		var completeErr, abandonErr, deferErr, renewErr error
		broker.onPublish = func() {
			completeErr = tr.Complete(ctx, env)
			abandonErr = tr.Abandon(ctx, env)
			deferErr = tr.Defer(ctx, env)
			_, renewErr = tr.RenewLock(ctx, env)
		}
		require.NoError(t, tr.DeadLetter(ctx, env, "r", "d"))

		assert.ErrorIs(t, completeErr, messaging.ErrLockLost)
		assert.ErrorIs(t, abandonErr, messaging.ErrLockLost)
		assert.ErrorIs(t, deferErr, messaging.ErrLockLost)
		assert.NoError(t, renewErr)
		assert.Equal(t, 0, tr.Held())
		assert.Equal(t, 1, broker.depth("orders.dlq"))
		assert.Equal(t, 0, broker.depth("orders.deferred"))
		assert.Equal(t, 0, broker.depth("orders"))
		assert.Equal(t, 1, broker.acked)
		assert.Equal(t, 0, broker.nacked)
	})

	t.Run("a failed move releases the claim", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		broker.publishErr = errors.New("broker down")
		assert.Error(t, tr.Defer(ctx, env))

		broker.publishErr = nil
		require.NoError(t, tr.Complete(ctx, env))
		assert.Equal(t, 0, tr.Held())
		assert.Equal(t, 0, broker.depth("orders.deferred"))
	})

	t.Run("RenewLock extends a held message only", func(t *testing.T) {
		tr, _ := newTestTransport(t, WithLockDuration(time.Minute))
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)

		until, err := tr.RenewLock(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, fixedNow.Add(time.Minute), until)

		require.NoError(t, tr.Complete(ctx, env))
		_, err = tr.RenewLock(ctx, env)
		assert.ErrorIs(t, err, messaging.ErrLockLost)
	})
}

func TestDeferral(t *testing.T) {
	ctx := context.Background()

	t.Run("ReceiveDeferred finds a message by sequence number", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		for _, body := range []string{"first", "second", "third"} {
			require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte(body))))
		}
		envs, err := tr.Receive(ctx, messaging.SubQueueNone, 3, time.Second)
		require.NoError(t, err)
		require.Len(t, envs, 3)
		for _, env := range envs {
			require.NoError(t, tr.Defer(ctx, env))
		}
		assert.Equal(t, 3, broker.depth("orders.deferred"))

		got, err := tr.ReceiveDeferred(ctx, envs[1].SequenceNumber)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got.Body)
		assert.Equal(t, 2, got.DeliveryCount)
		assert.Equal(t, 2, broker.depth("orders.deferred"))

		require.NoError(t, tr.Complete(ctx, got))
		assert.Equal(t, []byte("first"), broker.peek("orders.deferred").Body)
	})

	t.Run("an unknown sequence number leaves the queue intact", func(t *testing.T) {
		tr, broker := newTestTransport(t)
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)
		require.NoError(t, tr.Defer(ctx, env))

		_, err := tr.ReceiveDeferred(ctx, env.SequenceNumber+1000)
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
		assert.Equal(t, 1, broker.depth("orders.deferred"))
		assert.Equal(t, 0, tr.Held())
	})
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	tr, broker := newTestTransport(t)

	seq, err := tr.Schedule(ctx, contracts.NewEnvelope([]byte("later")), fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.NotZero(t, seq)
	require.Equal(t, 1, broker.depth("orders.delay"))

	d := broker.peek("orders.delay")
	assert.Equal(t, "60000", d.Expiration)
	got, ok := headerInt64(d.Headers, HeaderSequenceNumber)
	assert.True(t, ok)
	assert.Equal(t, seq, got)

	_, err = tr.Schedule(ctx, contracts.NewEnvelope([]byte("past")), fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, broker.depth("orders.delay"))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	tr, broker := newTestTransport(t)
	require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
	receiveOne(t, tr, messaging.SubQueueNone)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, broker.depth("orders"))

	assert.ErrorIs(t, tr.Send(ctx, contracts.NewEnvelope([]byte("b"))), messaging.ErrTransportClosed)
	_, err := tr.Receive(ctx, messaging.SubQueueNone, 1, time.Millisecond)
	assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	_, err = tr.NewBatch(ctx)
	assert.ErrorIs(t, err, messaging.ErrTransportClosed)
}

func TestHeaderValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"int widens", 7, int64(7)},
		{"uint widens", uint32(7), int64(7)},
		{"uint64 in range widens", uint64(math.MaxInt64), int64(math.MaxInt64)},
		{"uint64 beyond int64 is kept exact", uint64(math.MaxUint64), "18446744073709551615"},
		{"large uint is kept exact", uint(math.MaxInt64) + 1, "9223372036854775808"},
		{"string passes", "s", "s"},
		{"time passes", ts, ts},
		{"nil passes", nil, nil},
		{"other types are stringified", struct{ A int }{1}, "{1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, headerValue(tt.in))
		})
	}
}

func TestPublishingSizeCountsHeaders(t *testing.T) {
	tr, _ := newTestTransport(t)
	env := contracts.NewEnvelope([]byte("body"))
	bare := publishingSize(tr.toPublishing(env, 0))

	env.Props().Set("k", strings.Repeat("v", 100))
	assert.Greater(t, publishingSize(tr.toPublishing(env, 0)), bare+100)
}

func TestQueueDepths(t *testing.T) {
	ctx := context.Background()

	t.Run("unavailable without an inspector", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		_, err := tr.QueueDepths(ctx)
		assert.ErrorIs(t, err, ErrInspectionUnavailable)
		assert.True(t, tr.IsConnected())
	})

	t.Run("reports every queue", func(t *testing.T) {
		broker := newFakeBroker()
		tr, err := NewWithBroker("orders", broker, broker, WithInspector(broker), WithPollInterval(time.Millisecond))
		require.NoError(t, err)

		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("a"))))
		require.NoError(t, tr.Send(ctx, contracts.NewEnvelope([]byte("b"))))
		env := receiveOne(t, tr, messaging.SubQueueNone)
		require.NoError(t, tr.DeadLetter(ctx, env, "bad", ""))

		depths, err := tr.QueueDepths(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{
			"orders":          1,
			"orders.dlq":      1,
			"orders.deferred": 0,
			"orders.delay":    0,
		}, depths)

		require.NoError(t, tr.Close())
		assert.False(t, tr.IsConnected())
		_, err = tr.QueueDepths(ctx)
		assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	})
}
