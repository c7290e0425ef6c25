package services

import (
	"errors"
	"fmt"

	"github.com/strandlabs/strand/pkg/storage"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrThreadBusy is returned when a thread has an active run and the
	// operation cannot proceed (multitask reject, thread delete)
	ErrThreadBusy = errors.New("thread has an active run")

	// ErrRunNotDone is returned when deleting a run that has not reached a
	// terminal status
	ErrRunNotDone = errors.New("run has not reached a terminal state")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// storageErr translates storage sentinels into service sentinels so
// handlers only ever match against this package's errors.
func storageErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return ErrAlreadyExists
	}
	return err
}
