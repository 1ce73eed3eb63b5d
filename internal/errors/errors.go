package errors

import (
	"errors"
	"fmt"
)

// Error codes for programmatic handling.
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeMaxIterations     = "MAX_ITERATIONS"
	CodeAPIKeyMissing     = "API_KEY_MISSING"
	CodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeInvalidDependency = "INVALID_DEPENDENCY"
	CodeDuplicateId       = "DUPLICATE_ID"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeSafetyBlock       = "SAFETY_BLOCK"
	CodeWorkerError       = "WORKER_ERROR"
	CodeInternal          = "INTERNAL"
)

// ConclaveError is a structured error with a code and actionable suggestion.
type ConclaveError struct {
	Code       string // machine-readable code (e.g. CONFIG_INVALID)
	Message    string // human-readable description
	Suggestion string // actionable fix
	Err        error  // wrapped underlying error

	// Verdict carries the offending SafetyVerdict for CodeSafetyBlock errors.
	// Declared as `interface{}` so this package does not import the safety
	// package; callers type-assert it back to safety's SafetyVerdict type.
	Verdict interface{}
}

// Error implements the error interface.
func (e *ConclaveError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is / errors.As.
func (e *ConclaveError) Unwrap() error {
	return e.Err
}

// New creates a ConclaveError with the given code and message.
func New(code, message string) *ConclaveError {
	return &ConclaveError{Code: code, Message: message}
}

// Wrap creates a ConclaveError wrapping an existing error.
func Wrap(code, message string, err error) *ConclaveError {
	return &ConclaveError{Code: code, Message: message, Err: err}
}

// WithSuggestion returns the same error with the suggestion set.
func (e *ConclaveError) WithSuggestion(suggestion string) *ConclaveError {
	e.Suggestion = suggestion
	return e
}

// WithVerdict attaches a safety verdict (for CodeSafetyBlock errors).
func (e *ConclaveError) WithVerdict(verdict interface{}) *ConclaveError {
	e.Verdict = verdict
	return e
}

// Is checks whether target matches this error's code.
func (e *ConclaveError) Is(target error) bool {
	var ce *ConclaveError
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

// AsCode extracts the ConclaveError code from an error, or "" if not a ConclaveError.
func AsCode(err error) string {
	var ce *ConclaveError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Suggestion extracts the suggestion from an error, or "" if not a ConclaveError.
func Suggestion(err error) string {
	var ce *ConclaveError
	if errors.As(err, &ce) {
		return ce.Suggestion
	}
	return ""
}
