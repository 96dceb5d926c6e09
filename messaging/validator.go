package messaging

import (
	"fmt"
	"slices"

	"github.com/glimte/mmate-largemsg/contracts"
)

// MaxPropertiesBytes caps the summed size of property keys and values,
// leaving headroom under the 64 KiB header limit of the supported brokers
const MaxPropertiesBytes = 60 * 1024

// PropertyValidator rejects property sets the pipeline cannot send.
// It is a value type with no state and is safe for concurrent use.
type PropertyValidator struct {
	MaxUserProperties int
	MaxBytes          int
	// TransportKeys are property keys the transport writes itself
	TransportKeys []string
}

// NewPropertyValidator creates a validator with the default byte cap
func NewPropertyValidator(maxUserProperties int) PropertyValidator {
	return PropertyValidator{
		MaxUserProperties: maxUserProperties,
		MaxBytes:          MaxPropertiesBytes,
	}
}

// Validate returns a *contracts.ValidationError when a reserved or
// transport key is used,
// there are more than MaxUserProperties keys, or the keys and non-nil values
// add up to more than MaxBytes
func (v PropertyValidator) Validate(properties *contracts.Properties) error {
	if properties.Len() == 0 {
		return nil
	}

	var reservedErr error
	properties.Range(func(key string, _ interface{}) bool {
		if contracts.IsReservedKey(key) {
			reservedErr = &contracts.ValidationError{
				Field:  key,
				Reason: "property key is reserved for the large-message pipeline",
			}
			return false
		}
		if slices.Contains(v.TransportKeys, key) {
			reservedErr = &contracts.ValidationError{
				Field:  key,
				Reason: "property key is reserved by the transport",
			}
			return false
		}
		return true
	})
	if reservedErr != nil {
		return reservedErr
	}

	if properties.Len() > v.MaxUserProperties {
		return &contracts.ValidationError{
			Field:  "properties",
			Reason: fmt.Sprintf("%d properties exceed the limit of %d", properties.Len(), v.MaxUserProperties),
		}
	}

	total := 0
	properties.Range(func(key string, value interface{}) bool {
		total += len(key) + valueSize(value)
		return true
	})
	if total > v.MaxBytes {
		return &contracts.ValidationError{
			Field:  "properties",
			Reason: fmt.Sprintf("properties use %d bytes, limit is %d", total, v.MaxBytes),
		}
	}

	return nil
}

func valueSize(value interface{}) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		return len(fmt.Sprint(v))
	}
}
