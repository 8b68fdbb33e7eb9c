package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource. An id that exists but
	// belongs to another owner is deliberately indistinguishable from
	// an absent one.
	ErrNotFound = errors.New("not found")
	// ErrValidation signals malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrBackendUnavailable signals an unreachable metadata, vector,
	// or embedding backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
)

// ValidationError wraps ErrValidation with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field %q %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation creates a validation error with field detail.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
