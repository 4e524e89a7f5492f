package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all repositories. Repositories never return a nil
// record together with a nil error: absence is either ErrNotFound (updates,
// deletes) or an explicit nil record from Get* (queries).
var (
	// ErrNotFound means the addressed entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey means a unique constraint was violated.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrPersistence wraps unexpected database failures.
	ErrPersistence = errors.New("persistence failed")
)

// ValidationError reports user-supplied data that violates a domain invariant.
// It is surfaced to the user with the offending fields and is never logged at
// error level.
type ValidationError struct {
	Fields []FieldError
}

// FieldError is one offending field inside a ValidationError.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Fields[0].Field, e.Fields[0].Message)
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, message, typ string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message, Type: typ}}}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
