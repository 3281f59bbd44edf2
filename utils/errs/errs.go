// Package errs defines the error taxonomy shared by the execution engine.
// Every failure surfaced by the engine is one of these types so callers can
// map it to an HTTP status and the retry layer can classify it without
// string matching at the boundaries.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input shape or value. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// NewValidationError creates a ValidationError for the given field
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports missing provider credentials or model
// configuration. Fatal for the execution, never retried.
type ConfigurationError struct {
	Component string
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
}

// NewConfigurationError creates a ConfigurationError for the given component
func NewConfigurationError(component, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: fmt.Sprintf(format, args...)}
}

// ProviderTransientError reports a retryable provider failure (429, 5xx,
// network errors). The retry executor absorbs these up to its attempt
// budget.
type ProviderTransientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient %s error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient %s error: %v", e.Provider, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned when a provider's circuit breaker is open and
// the call is rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StepTimeoutError reports that a prompt step exceeded its timeout
type StepTimeoutError struct {
	PromptID       string
	TimeoutSeconds int
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("prompt %s timed out after %ds", e.PromptID, e.TimeoutSeconds)
}

// SubstitutionError reports an unresolved variable or malformed input
// mapping. Fatal for the step; retrying cannot fix a configuration problem.
type SubstitutionError struct {
	Variable string
	Message  string
}

func (e *SubstitutionError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("substitution error for $%s: %s", e.Variable, e.Message)
	}
	return "substitution error: " + e.Message
}

// IsFatal reports whether the error can never be fixed by retrying
func IsFatal(err error) bool {
	var ve *ValidationError
	var ce *ConfigurationError
	var se *SubstitutionError
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &se)
}
