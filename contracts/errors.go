package contracts

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every ValidationError via errors.Is
var ErrValidation = errors.New("contracts: validation failed")

// ValidationError reports input that can never succeed, such as a reserved
// property key or a malformed pointer. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed for %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsRetryable implements the retry classification hook; validation never heals
func (e *ValidationError) IsRetryable() bool {
	return false
}
