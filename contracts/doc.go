// Package contracts provides the wire-level types shared by the send and receive paths.
//
// This package defines:
//   - BlobPointer: the {containerName, blobName} reference that replaces an offloaded body
//   - Envelope: a queue message as seen by the large-message pipeline
//   - Properties: the insertion-ordered application property map carried by an Envelope
//   - Reserved property keys written only by the pipeline
//
// The pointer JSON field names and the reserved key strings are part of the
// interop contract with existing producers and consumers and must not change.
package contracts
