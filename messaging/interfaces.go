package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/google/uuid"
)

// OffloadCriteria decides whether a body must be moved to the blob store
type OffloadCriteria interface {
	ShouldOffload(body []byte, properties *contracts.Properties) bool
}

// OffloadCriteriaFunc is a function that implements OffloadCriteria
type OffloadCriteriaFunc func(body []byte, properties *contracts.Properties) bool

// ShouldOffload implements OffloadCriteria
func (f OffloadCriteriaFunc) ShouldOffload(body []byte, properties *contracts.Properties) bool {
	return f(body, properties)
}

// BlobNameResolver names the blob an offloaded body is written to
type BlobNameResolver interface {
	BlobName(body []byte, properties *contracts.Properties) string
}

// BlobNameResolverFunc is a function that implements BlobNameResolver
type BlobNameResolverFunc func(body []byte, properties *contracts.Properties) string

// BlobName implements BlobNameResolver
func (f BlobNameResolverFunc) BlobName(body []byte, properties *contracts.Properties) string {
	return f(body, properties)
}

// UUIDNameResolver names blobs Prefix + random UUID
type UUIDNameResolver struct {
	Prefix string
}

// BlobName implements BlobNameResolver
func (r UUIDNameResolver) BlobName([]byte, *contracts.Properties) string {
	return r.Prefix + uuid.NewString()
}

// BodyReplacer produces the body sent in place of an offloaded payload.
// The receive path decodes bodies with contracts.DecodePointer, so a custom
// replacer must keep the pointer JSON readable.
type BodyReplacer interface {
	Replace(original []byte, pointer contracts.BlobPointer) ([]byte, error)
}

// BodyReplacerFunc is a function that implements BodyReplacer
type BodyReplacerFunc func(original []byte, pointer contracts.BlobPointer) ([]byte, error)

// Replace implements BodyReplacer
func (f BodyReplacerFunc) Replace(original []byte, pointer contracts.BlobPointer) ([]byte, error) {
	return f(original, pointer)
}

// PointerBodyReplacer replaces the body with the encoded pointer
type PointerBodyReplacer struct{}

// Replace implements BodyReplacer
func (PointerBodyReplacer) Replace(_ []byte, pointer contracts.BlobPointer) ([]byte, error) {
	return contracts.EncodePointer(pointer)
}

// Tracer is the optional observability hook. The implementation is picked
// when the pipeline is composed; NoOpTracer is used when none is configured.
type Tracer interface {
	Start(ctx context.Context, operation string, attrs ...slog.Attr) (context.Context, Span)
}

// Span is one traced operation
type Span interface {
	End(err error)
}

// NoOpTracer is a no-op implementation of Tracer
type NoOpTracer struct{}

// Start returns ctx unchanged and a span that does nothing
func (NoOpTracer) Start(ctx context.Context, _ string, _ ...slog.Attr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

// End does nothing
func (noopSpan) End(error) {}

// LogTracer records each operation's duration and outcome through slog
type LogTracer struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogTracer creates a tracer that logs at debug level
func NewLogTracer(logger *slog.Logger) *LogTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracer{Logger: logger, Level: slog.LevelDebug}
}

// Start implements Tracer
func (t *LogTracer) Start(ctx context.Context, operation string, attrs ...slog.Attr) (context.Context, Span) {
	return ctx, &logSpan{
		ctx:       ctx,
		tracer:    t,
		operation: operation,
		attrs:     attrs,
		start:     time.Now(),
	}
}

type logSpan struct {
	ctx       context.Context
	tracer    *LogTracer
	operation string
	attrs     []slog.Attr
	start     time.Time
}

// End logs the span; failures are logged at error level
func (s *logSpan) End(err error) {
	attrs := append([]slog.Attr{
		slog.String("operation", s.operation),
		slog.Duration("duration", time.Since(s.start)),
	}, s.attrs...)

	level := s.tracer.Level
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.tracer.Logger.LogAttrs(s.ctx, level, "span finished", attrs...)
}
