package contracts

import (
	"time"
)

// Envelope is a queue message as seen by the large-message pipeline
type Envelope struct {
	Body        []byte
	Properties  *Properties
	ContentType string
	SessionID   string
	MessageID   string

	// Delivery metadata filled in by the transport on receive
	DeliveryCount         int
	DeadLetterReason      string
	DeadLetterDescription string
	SequenceNumber        int64
	LockToken             string
	EnqueuedAt            time.Time

	// Blob is set on received envelopes whose body was resolved from the
	// blob store. The reserved properties are stripped by then, so this is
	// what cleanup uses to find the blob.
	Blob *BlobPointer
}

// NewEnvelope creates an envelope with an empty property map
func NewEnvelope(body []byte) *Envelope {
	return &Envelope{
		Body:       body,
		Properties: &Properties{},
	}
}

// Props returns the property map, creating it if needed
func (e *Envelope) Props() *Properties {
	if e.Properties == nil {
		e.Properties = &Properties{}
	}
	return e.Properties
}

// IsBlobBacked reports whether the envelope references a blob, either through
// the pointer marker (raw) or a resolved pointer (received)
func (e *Envelope) IsBlobBacked() bool {
	return e.Blob != nil || e.Properties.Bool(BlobPointerKey)
}

// PayloadSize returns the original body size recorded at send time, reading
// either size marker spelling
func (e *Envelope) PayloadSize() (int64, bool) {
	if n, ok := e.Properties.Int64(PayloadSizeKey); ok {
		return n, true
	}
	return e.Properties.Int64(LegacyPayloadSizeKey)
}

// Clone returns a copy with its own body slice and property map
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	out.Properties = e.Properties.Clone()
	if e.Blob != nil {
		p := *e.Blob
		out.Blob = &p
	}
	return &out
}
