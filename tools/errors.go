package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrValidation = errors.New("tools: invalid input")
	ErrNotFound   = errors.New("tools: not found")
	ErrStore      = errors.New("tools: store failure")
)

// ValidationError reports malformed tool input. It is returned before any
// store mutation happens.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a referenced event or taxonomy entry that does not
// exist.
type NotFoundError struct {
	Tool string
	Kind string // "event" or "taxonomy entry"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", e.Tool, e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps a persistence failure.
type StoreError struct {
	Tool string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Tool, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func invalid(tool, field, reason string) error {
	return &ValidationError{Tool: tool, Field: field, Reason: reason}
}
