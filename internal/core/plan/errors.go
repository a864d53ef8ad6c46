// Package plan contains pure functions for parsing rollout plan files.
// This is part of the Functional Core - all functions are pure with no I/O.
package plan

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrEmptyInput is returned when the plan document is empty.
	ErrEmptyInput = errors.New("rollout plan is empty")

	// ErrInvalidYAML is returned when the document is not valid YAML.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrUnknownField is returned when the document carries fields the
	// schema does not define (usually a typo in a plan file).
	ErrUnknownField = errors.New("unknown field in rollout plan")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "targets[2].environment"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
