package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrStore              = errors.New("storage failure")
)

// ValidationError reports incomplete or unusable client input. Its message
// is safe to show to the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type field struct {
	name, value string
}

// missingFields builds a ValidationError naming the empty fields, or nil.
func missingFields(fields ...field) error {
	var missing []string
	for _, f := range fields {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return &ValidationError{Message: fmt.Sprintf("%s required", strings.Join(missing, ", "))}
}

// ConflictError reports that Field already holds the requested value.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string { return e.Field + " already exists" }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func storeFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStore, err)
}
