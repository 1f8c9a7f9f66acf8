package errs

import (
	"fmt"
)

// BrainError is the structured error type for Agent Brain.
// It provides rich context for error handling, logging, and user presentation.
type BrainError struct {
	// Code is the unique error code (e.g., "ERR_201_FILE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *BrainError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BrainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with BrainError.
func (e *BrainError) Is(target error) bool {
	if t, ok := target.(*BrainError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *BrainError) WithDetail(key, value string) *BrainError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *BrainError) WithSuggestion(suggestion string) *BrainError {
	e.Suggestion = suggestion
	return e
}

// New creates a new BrainError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *BrainError {
	return &BrainError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an BrainError from an existing error.
// The error's message becomes the BrainError message.
func Wrap(code string, err error) *BrainError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *BrainError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *BrainError {
	return New(ErrCodeFileNotFound, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are typically retryable.
func NetworkError(message string, cause error) *BrainError {
	return New(ErrCodeNetworkTimeout, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *BrainError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *BrainError {
	return New(ErrCodeInternal, message, cause)
}

// StorageError creates a storage backend error, carrying the backend kind
// (e.g. "embedded", "relational") as a detail for diagnostics.
func StorageError(backend, message string, cause error) *BrainError {
	return New(ErrCodeStorageError, message, cause).WithDetail("backend", backend)
}

// BackendUnsupportedError reports that the active backend lacks a capability
// the caller requested (e.g. graph traversal on the relational backend),
// naming both the current backend and the one that does support it.
func BackendUnsupportedError(currentBackend, requiredBackend, capability string) *BrainError {
	return New(
		ErrCodeBackendUnsupported,
		fmt.Sprintf("%s backend does not support %s", currentBackend, capability),
		nil,
	).
		WithDetail("backend", currentBackend).
		WithDetail("required_backend", requiredBackend).
		WithDetail("capability", capability).
		WithSuggestion(fmt.Sprintf("switch to the %s backend to use %s", requiredBackend, capability))
}

// ProviderMismatchError reports that the embedding model or dimension stored
// in the index no longer matches the active embedder configuration, which
// would silently corrupt vector search if allowed through.
func ProviderMismatchError(storedModel string, storedDim int, currentModel string, currentDim int) *BrainError {
	return New(
		ErrCodeProviderMismatch,
		fmt.Sprintf("index was built with %q (dim=%d) but current provider is %q (dim=%d)",
			storedModel, storedDim, currentModel, currentDim),
		nil,
	).
		WithDetail("stored_model", storedModel).
		WithDetail("current_model", currentModel).
		WithSuggestion("re-index with --force-reset to rebuild with the current provider")
}

// QueueFullError reports that the job queue has reached its configured
// backpressure limit and cannot accept new work.
func QueueFullError(maxLength int) *BrainError {
	return New(
		ErrCodeQueueFull,
		fmt.Sprintf("job queue is full (max %d pending jobs)", maxLength),
		nil,
	).WithDetail("max_queue_length", fmt.Sprintf("%d", maxLength))
}

// JobTimeoutError reports that a job exceeded its wall-clock budget and was
// terminated by the worker.
func JobTimeoutError(jobID string, cause error) *BrainError {
	return New(ErrCodeJobTimeout, fmt.Sprintf("job %s exceeded its time budget", jobID), cause).
		WithDetail("job_id", jobID)
}

// JobCancelledError reports that a job was cancelled before or during
// execution.
func JobCancelledError(jobID string) *BrainError {
	return New(ErrCodeJobCancelled, fmt.Sprintf("job %s was cancelled", jobID), nil).
		WithDetail("job_id", jobID)
}

// ProviderError creates an embedder/summarizer provider error, naming the
// provider so callers can distinguish embedder failures from summarizer
// failures in logs.
func ProviderError(provider, message string, cause error) *BrainError {
	return New(ErrCodeProviderError, message, cause).WithDetail("provider", provider)
}

// ProviderUnavailableError reports that a configured provider is not
// reachable (e.g. a local model server is down), which is retryable.
func ProviderUnavailableError(provider string, cause error) *BrainError {
	return New(ErrCodeProviderUnavailable, fmt.Sprintf("%s provider is unavailable", provider), cause).
		WithDetail("provider", provider)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is an BrainError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := err.(*BrainError); ok {
		return ae.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := err.(*BrainError); ok {
		return ae.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an BrainError.
// Returns empty string if not an BrainError.
func GetCode(err error) string {
	if ae, ok := err.(*BrainError); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from an BrainError.
// Returns empty string if not an BrainError.
func GetCategory(err error) Category {
	if ae, ok := err.(*BrainError); ok {
		return ae.Category
	}
	return ""
}
