package contracts

import (
	"encoding/json"
	"fmt"
)

// BlobPointer references a payload that was moved out of the message body.
// It is a comparable value and can be used as a map key.
type BlobPointer struct {
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
}

// NewBlobPointer creates a pointer to blobName inside containerName
func NewBlobPointer(containerName, blobName string) BlobPointer {
	return BlobPointer{ContainerName: containerName, BlobName: blobName}
}

// String returns container/blob
func (p BlobPointer) String() string {
	return p.ContainerName + "/" + p.BlobName
}

// IsZero reports whether both fields are empty
func (p BlobPointer) IsZero() bool {
	return p.ContainerName == "" && p.BlobName == ""
}

// EncodePointer serializes a pointer into the message body format
func EncodePointer(p BlobPointer) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob pointer: %w", err)
	}
	return data, nil
}

// DecodePointer parses a message body produced by EncodePointer.
// Both fields must be present; unknown fields are ignored.
func DecodePointer(body []byte) (BlobPointer, error) {
	var raw struct {
		ContainerName *string `json:"containerName"`
		BlobName      *string `json:"blobName"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return BlobPointer{}, &ValidationError{Field: "body", Reason: "malformed blob pointer", Err: err}
	}
	if raw.ContainerName == nil || raw.BlobName == nil {
		return BlobPointer{}, &ValidationError{Field: "body", Reason: "blob pointer requires containerName and blobName"}
	}
	return BlobPointer{ContainerName: *raw.ContainerName, BlobName: *raw.BlobName}, nil
}
