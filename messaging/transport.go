package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-largemsg/contracts"
)

// SubQueue selects which queue Receive reads from
type SubQueue int

const (
	// SubQueueNone reads the main queue
	SubQueueNone SubQueue = iota
	// SubQueueDeadLetter reads the dead-letter sub-queue
	SubQueueDeadLetter
)

func (s SubQueue) String() string {
	switch s {
	case SubQueueDeadLetter:
		return "deadletter"
	default:
		return "main"
	}
}

// Transport is the queue the pipeline sends through and receives from.
// Connection and authentication setup belong to the implementation.
type Transport interface {
	// Send sends a single envelope
	Send(ctx context.Context, envelope *contracts.Envelope) error

	// NewBatch starts an empty size-bounded batch
	NewBatch(ctx context.Context) (TransportBatch, error)

	// SendBatch sends every envelope accepted by the batch
	SendBatch(ctx context.Context, batch TransportBatch) error

	// Receive waits up to timeout for at most maxCount envelopes
	Receive(ctx context.Context, subQueue SubQueue, maxCount int, timeout time.Duration) ([]*contracts.Envelope, error)

	// Defer sets a received envelope aside until ReceiveDeferred asks for it
	Defer(ctx context.Context, envelope *contracts.Envelope) error

	// ReceiveDeferred fetches a deferred envelope by sequence number
	ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error)

	// RenewLock extends the hold on a received envelope and returns the new expiry
	RenewLock(ctx context.Context, envelope *contracts.Envelope) (time.Time, error)

	// Schedule enqueues envelope for delivery at the given time and returns its sequence number
	Schedule(ctx context.Context, envelope *contracts.Envelope, at time.Time) (int64, error)

	// DeadLetter moves a received envelope to the dead-letter sub-queue
	DeadLetter(ctx context.Context, envelope *contracts.Envelope, reason, description string) error

	// Complete settles a received envelope as processed
	Complete(ctx context.Context, envelope *contracts.Envelope) error

	// Abandon releases a received envelope for redelivery
	Abandon(ctx context.Context, envelope *contracts.Envelope) error

	// Close closes all resources
	Close() error
}

// KeyReserver is implemented by transports that carry their own metadata
// in message properties. The publisher rejects those keys in user properties.
type KeyReserver interface {
	ReservedPropertyKeys() []string
}

// TransportBatch accumulates envelopes up to the transport's size limit
type TransportBatch interface {
	// TryAdd adds envelope and reports false when it does not fit
	TryAdd(envelope *contracts.Envelope) bool

	// Len returns the number of accepted envelopes
	Len() int
}
