package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
)

// MessageHandler processes a resolved envelope
type MessageHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// MessageHandlerFunc is a function that implements MessageHandler
type MessageHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// MiddlewareFunc wraps a handler
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next MessageHandler) error

// Chain wraps handler with middleware; the first middleware runs outermost
func Chain(handler MessageHandler, middleware ...MiddlewareFunc) MessageHandler {
	result := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return mw(ctx, env, next)
		})
	}
	return result
}

// RecoveryMiddleware turns a handler panic into an error
func RecoveryMiddleware() MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return next.Handle(ctx, env)
	}
}

// LoggingMiddleware logs each handled message with its duration
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env *contracts.Envelope, next MessageHandler) error {
		start := time.Now()
		err := next.Handle(ctx, env)

		attrs := []any{
			"messageId", env.MessageID,
			"deliveryCount", env.DeliveryCount,
			"offloaded", env.Blob != nil,
			"duration", time.Since(start),
		}
		if err != nil {
			logger.Error("message handler failed", append(attrs, "error", err)...)
			return err
		}
		logger.Debug("message handled", attrs...)
		return nil
	}
}
