package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain(t *testing.T) {
	var order []string
	record := func(name string) MiddlewareFunc {
		return func(ctx context.Context, env *contracts.Envelope, next MessageHandler) error {
			order = append(order, name+" before")
			err := next.Handle(ctx, env)
			order = append(order, name+" after")
			return err
		}
	}

	handler := Chain(MessageHandlerFunc(func(context.Context, *contracts.Envelope) error {
		order = append(order, "handler")
		return nil
	}), record("outer"), record("inner"))

	require.NoError(t, handler.Handle(context.Background(), contracts.NewEnvelope(nil)))
	assert.Equal(t, []string{"outer before", "inner before", "handler", "inner after", "outer after"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(MessageHandlerFunc(func(context.Context, *contracts.Envelope) error {
		panic("bad payload")
	}), RecoveryMiddleware())

	err := handler.Handle(context.Background(), contracts.NewEnvelope(nil))
	assert.ErrorContains(t, err, "bad payload")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	env := contracts.NewEnvelope(nil)
	env.MessageID = "m-1"

	ok := Chain(MessageHandlerFunc(func(context.Context, *contracts.Envelope) error { return nil }), LoggingMiddleware(logger))
	require.NoError(t, ok.Handle(context.Background(), env))
	assert.Contains(t, buf.String(), "message handled")
	assert.Contains(t, buf.String(), "messageId=m-1")

	buf.Reset()
	failing := Chain(MessageHandlerFunc(func(context.Context, *contracts.Envelope) error {
		return errors.New("nope")
	}), LoggingMiddleware(logger))
	assert.Error(t, failing.Handle(context.Background(), env))
	assert.True(t, strings.Contains(buf.String(), "level=ERROR"))
}

func TestLogTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewLogTracer(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	_, span := tracer.Start(context.Background(), "offload", slog.String("blobName", "b1"))
	span.End(nil)
	assert.Contains(t, buf.String(), "operation=offload")
	assert.Contains(t, buf.String(), "blobName=b1")

	buf.Reset()
	_, span = tracer.Start(context.Background(), "resolve")
	span.End(errors.New("boom"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestUUIDNameResolver(t *testing.T) {
	r := UUIDNameResolver{Prefix: "orders/"}
	a := r.BlobName(nil, nil)
	b := r.BlobName(nil, nil)
	assert.True(t, strings.HasPrefix(a, "orders/"))
	assert.Len(t, a, len("orders/")+36)
	assert.NotEqual(t, a, b)
}
