package messaging

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-largemsg/internal/reliability"
)

// Defaults applied by DefaultOptions
const (
	DefaultThreshold         = 256 * 1024
	DefaultContainerName     = "large-messages"
	DefaultMaxUserProperties = 9
	DefaultDeadLetterReason  = "ProcessingFailed"
	DefaultContentType       = "application/octet-stream"
)

// RetrySettings parameterizes the retry executor wrapped around every store
// and transport call
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Policy builds the backoff policy
func (r RetrySettings) Policy() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(r.BaseDelay, r.MaxDelay, r.Multiplier, r.MaxAttempts)
}

// Options is the single configuration shared by the send, receive and
// cleanup paths. Legacy-compatible behaviour (legacy size attribute, no
// duplicate detection) and the newer behaviour differ only in these flags.
type Options struct {
	// ContainerName is the blob container offloaded payloads are written to
	ContainerName string

	// Threshold is the largest body, in bytes, that stays inline
	Threshold int

	// AlwaysOffload stores every body regardless of size
	AlwaysOffload bool

	// CleanupOnDelete lets the cleaner delete blobs of consumed messages
	CleanupOnDelete bool

	// BlobPrefix is prepended to generated blob names
	BlobPrefix string

	// MaxUserProperties caps the number of caller properties
	MaxUserProperties int

	// IgnoreNotFound resolves a missing blob to an empty body
	IgnoreNotFound bool

	Retry RetrySettings

	// LegacyAttributeName emits LegacyPayloadSizeKey instead of PayloadSizeKey
	LegacyAttributeName bool

	// DuplicateDetection sets the message id to a content hash of the original body
	DuplicateDetection bool

	// DeadLetterOnFailure dead-letters messages whose handler fails
	DeadLetterOnFailure bool
	DeadLetterReason    string

	// BlobTTL, when positive, stamps stored blobs with an expiry for the sweeper
	BlobTTL time.Duration

	// Pluggable strategies; nil selects the default
	NameResolver BlobNameResolver
	BodyReplacer BodyReplacer
	Criteria     OffloadCriteria
	Tracer       Tracer
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		ContainerName:     DefaultContainerName,
		Threshold:         DefaultThreshold,
		CleanupOnDelete:   true,
		MaxUserProperties: DefaultMaxUserProperties,
		Retry: RetrySettings{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Multiplier:  2.0,
			MaxDelay:    30 * time.Second,
		},
		DeadLetterReason: DefaultDeadLetterReason,
	}
}

// Validate checks ranges
func (o Options) Validate() error {
	if o.ContainerName == "" {
		return fmt.Errorf("%w: container name is required", ErrInvalidOptions)
	}
	if o.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidOptions)
	}
	if o.MaxUserProperties < 0 {
		return fmt.Errorf("%w: max user properties must not be negative", ErrInvalidOptions)
	}
	if err := o.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// withDefaults fills nil strategies
func (o Options) withDefaults() Options {
	if o.NameResolver == nil {
		o.NameResolver = UUIDNameResolver{Prefix: o.BlobPrefix}
	}
	if o.BodyReplacer == nil {
		o.BodyReplacer = PointerBodyReplacer{}
	}
	if o.Tracer == nil {
		o.Tracer = NoOpTracer{}
	}
	if o.DeadLetterReason == "" {
		o.DeadLetterReason = DefaultDeadLetterReason
	}
	return o
}

// sizeCriteria combines the size rules with the custom criteria
func (o Options) sizeCriteria() SizeCriteria {
	return SizeCriteria{
		Threshold:     o.Threshold,
		AlwaysOffload: o.AlwaysOffload,
		Custom:        o.Criteria,
	}
}

// validator builds the property validator for these options
func (o Options) validator() PropertyValidator {
	return NewPropertyValidator(o.MaxUserProperties)
}
