package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeIntegrity         = "INTEGRITY_ERROR"
	ErrCodeEncryption        = "ENCRYPTION_ERROR"
	ErrCodeExternalTool      = "EXTERNAL_TOOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodePathDenied        = "PATH_DENIED"
)

// ForgeError is the structured error type for all webforge operations.
type ForgeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ForgeError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ForgeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ForgeError.
func NewError(code, message string) *ForgeError {
	return &ForgeError{Code: code, Message: message}
}

// NewErrorf creates a new ForgeError with a formatted message.
func NewErrorf(code, format string, args ...any) *ForgeError {
	return &ForgeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the pipeline step name to the error.
func (e *ForgeError) WithStep(step string) *ForgeError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ForgeError) WithCause(err error) *ForgeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ForgeError) WithDetails(details map[string]any) *ForgeError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first ForgeError in err's chain, or "".
func CodeOf(err error) string {
	var fe *ForgeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
