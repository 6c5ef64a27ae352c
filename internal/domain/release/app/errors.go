// Package app provides application services (use cases) for release orchestration.
package app

import (
	"errors"
	"fmt"
)

// ValidationError represents an input validation error in the application layer.
// It provides structured error information for programmatic handling.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a ValidationError.
// Uses errors.As to properly handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Common validation errors for reuse.
var (
	// ErrReleaseTypeRequired is returned when the channel has no release type.
	ErrReleaseTypeRequired = NewValidationError("Channel.ReleaseType", "release type is required")

	// ErrTargetBranchRequired is returned when the channel has no target branch.
	ErrTargetBranchRequired = NewValidationError("Channel.TargetBranch", "target branch is required")

	// ErrGateMismatch is returned when the gate and the channel disagree on the release type.
	ErrGateMismatch = NewValidationError("Gate.ReleaseType", "gate release type must match the channel")
)
