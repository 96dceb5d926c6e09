package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointerRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		pointer BlobPointer
	}{
		{"regular", NewBlobPointer("large-messages", "orders/3f1c")},
		{"empty strings", BlobPointer{}},
		{"empty container", NewBlobPointer("", "blob")},
		{"unicode and quotes", NewBlobPointer("cønt\"ainer", "blob\\name\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := EncodePointer(tt.pointer)
			require.NoError(t, err)

			decoded, err := DecodePointer(body)
			require.NoError(t, err)
			assert.Equal(t, tt.pointer, decoded)
		})
	}
}

func TestEncodePointerWireFormat(t *testing.T) {
	body, err := EncodePointer(NewBlobPointer("c", "b"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"containerName":"c","blobName":"b"}`, string(body))
}

func TestDecodePointerErrors(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodePointer([]byte("not json"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := DecodePointer([]byte(`{"containerName":"c"}`))
		require.Error(t, err)
		var vErr *ValidationError
		assert.True(t, errors.As(err, &vErr))
		assert.False(t, vErr.IsRetryable())
	})

	t.Run("extra fields ignored", func(t *testing.T) {
		p, err := DecodePointer([]byte(`{"containerName":"c","blobName":"b","size":12}`))
		require.NoError(t, err)
		assert.Equal(t, NewBlobPointer("c", "b"), p)
	})
}

func TestBlobPointerComparable(t *testing.T) {
	seen := map[BlobPointer]int{}
	seen[NewBlobPointer("c", "b")]++
	seen[NewBlobPointer("c", "b")]++
	assert.Equal(t, 2, seen[NewBlobPointer("c", "b")])
	assert.True(t, BlobPointer{}.IsZero())
	assert.Equal(t, "c/b", NewBlobPointer("c", "b").String())
}
