package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredVar indicates a required environment variable is unset
	ErrMissingRequiredVar = errors.New("missing required environment variable")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid configuration value")
)

// ConfigurationError wraps a startup configuration failure with the variable
// or field it concerns. Fatal at startup.
type ConfigurationError struct {
	Field string // environment variable or field name
	Err   error  // underlying error
}

// Error returns formatted error message
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// ValidationError wraps a CLI-argument or task-input issue with an
// actionable message.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}
