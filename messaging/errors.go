package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-largemsg/contracts"
)

var (
	// ErrBlobNotFound is returned by a BlobStore for a missing blob
	ErrBlobNotFound = errors.New("messaging: blob not found")

	// ErrNoPointer is returned when an envelope does not reference a blob
	ErrNoPointer = errors.New("messaging: envelope does not reference a blob")

	// ErrInvalidOptions reports unusable configuration
	ErrInvalidOptions = errors.New("messaging: invalid options")

	// ErrNilEnvelope is returned for nil input messages
	ErrNilEnvelope = errors.New("messaging: envelope cannot be nil")

	// ErrLockLost is returned by a Transport when settling a message it no longer holds
	ErrLockLost = errors.New("messaging: message lock lost")

	// ErrMessageNotFound is returned by a Transport for an unknown deferred sequence number
	ErrMessageNotFound = errors.New("messaging: message not found")

	// ErrTransportClosed is returned by a closed Transport
	ErrTransportClosed = errors.New("messaging: transport closed")

	// ErrForeignBatch is returned by a Transport given a batch it did not create
	ErrForeignBatch = errors.New("messaging: batch was created by another transport")
)

// PayloadError reports a failed blob store operation for a pointer
type PayloadError struct {
	Op      string
	Pointer contracts.BlobPointer
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload %s failed for %s: %v", e.Op, e.Pointer, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// ProcessingError reports a handler failure that was returned to the
// transport for redelivery
type ProcessingError struct {
	MessageID      string
	SequenceNumber int64
	Err            error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed for message %s (sequence %d): %v", e.MessageID, e.SequenceNumber, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
