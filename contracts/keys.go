package contracts

// Reserved application property keys. These strings are shared with other
// large-message clients and must stay byte-for-byte stable.
const (
	// LegacyPayloadSizeKey carries the original body size (legacy spelling)
	LegacyPayloadSizeKey = "ServiceBusLargePayloadSize"

	// PayloadSizeKey carries the original body size
	PayloadSizeKey = "ExtendedPayloadSize"

	// BlobPointerKey is true when the body is an encoded BlobPointer
	BlobPointerKey = "ExtendedPayloadBlobPointer"

	// UserAgentKey tags messages with the client name and version
	UserAgentKey = "ExtendedClientUserAgent"
)

// Version is reported in the UserAgentKey property
const Version = "1.0.0"

// UserAgent is the value written to UserAgentKey
const UserAgent = "mmate-largemsg/" + Version

var reservedKeys = map[string]struct{}{
	LegacyPayloadSizeKey: {},
	PayloadSizeKey:       {},
	BlobPointerKey:       {},
	UserAgentKey:         {},
}

// IsReservedKey reports whether key may only be written by the pipeline
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// ReservedKeys returns the reserved keys in a stable order
func ReservedKeys() []string {
	return []string{LegacyPayloadSizeKey, PayloadSizeKey, BlobPointerKey, UserAgentKey}
}

// SizeKey returns the size marker emitted for the given naming mode
func SizeKey(legacy bool) string {
	if legacy {
		return LegacyPayloadSizeKey
	}
	return PayloadSizeKey
}
