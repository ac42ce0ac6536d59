package errors

import (
	stderrors "errors"
	"fmt"
)

// SearchError is the structured error type for tutosearch.
// It carries enough context for retry decisions, logging, and user presentation.
type SearchError struct {
	// Code is the unique error code (e.g., "ERR_301_BACKEND_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Mapping, Backend, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SearchError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() against the sentinel values below.
func (e *SearchError) Is(target error) bool {
	if t, ok := target.(*SearchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SearchError) WithDetail(key, value string) *SearchError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
// Returns the error for method chaining.
func (e *SearchError) WithSuggestion(suggestion string) *SearchError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SearchError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SearchError {
	return &SearchError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SearchError from an existing error.
// The error's message becomes the SearchError message.
func Wrap(code string, err error) *SearchError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrMappingFailed      = &SearchError{Code: ErrCodeMappingFailed}
	ErrBackendUnavailable = &SearchError{Code: ErrCodeBackendUnavailable}
	ErrBackendRejected    = &SearchError{Code: ErrCodeBackendRejected}
	ErrStaleWrite         = &SearchError{Code: ErrCodeStaleWrite}
	ErrReindexAborted     = &SearchError{Code: ErrCodeReindexAborted}
	ErrReindexInProgress  = &SearchError{Code: ErrCodeReindexInProgress}
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *SearchError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// MappingError reports a content record that cannot become a search document.
// The field that failed is recorded as a detail.
func MappingError(id, field, message string) *SearchError {
	return New(ErrCodeMappingFailed, message, nil).
		WithDetail("id", id).
		WithDetail("field", field).
		WithSuggestion("Fix the content record upstream; reindexing will not help")
}

// BackendUnavailable creates a transient backend error. Callers may retry with backoff.
func BackendUnavailable(backend, op string, cause error) *SearchError {
	return New(ErrCodeBackendUnavailable, fmt.Sprintf("%s backend unavailable during %s", backend, op), cause).
		WithDetail("backend", backend).
		WithDetail("op", op)
}

// BackendRejected creates a permanent backend refusal of a specific input.
func BackendRejected(backend, id, reason string) *SearchError {
	return New(ErrCodeBackendRejected, fmt.Sprintf("%s backend rejected %q: %s", backend, id, reason), nil).
		WithDetail("backend", backend).
		WithDetail("id", id).
		WithSuggestion("Check mapping limits or backend configuration")
}

// StaleWrite reports a write discarded by the version guard. It is informational.
func StaleWrite(id string, incoming, current int64) *SearchError {
	return New(ErrCodeStaleWrite, fmt.Sprintf("stale write for %q: version %d <= %d", id, incoming, current), nil).
		WithDetail("id", id).
		WithDetail("incoming", fmt.Sprint(incoming)).
		WithDetail("current", fmt.Sprint(current))
}

// ReindexAborted reports a rebuild abandoned because too many documents failed.
func ReindexAborted(failed, scanned int, threshold float64) *SearchError {
	return New(ErrCodeReindexAborted,
		fmt.Sprintf("reindex aborted: %d of %d documents failed (threshold %.2f%%)", failed, scanned, threshold*100), nil).
		WithSuggestion("Live index untouched; inspect the failed identifiers and retry")
}

// RepairsPending reports a generation that cannot be activated yet because
// n dual writes into it failed and have not been rewritten.
func RepairsPending(gen string, n int) *SearchError {
	return New(ErrCodeGenerationPending,
		fmt.Sprintf("generation %s has %d failed writes to repair before activation", gen, n), nil).
		WithDetail("generation", gen).
		WithSuggestion("Collect the failed writes with BuildRepairs and rewrite them from the content source")
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SearchError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SearchError {
	return New(ErrCodeInternal, message, cause)
}

// as finds the first SearchError in err's chain.
func as(err error) (*SearchError, bool) {
	var se *SearchError
	if err == nil || !stderrors.As(err, &se) {
		return nil, false
	}
	return se, true
}

// IsRetryable checks if an error is retryable.
// Returns true if a SearchError in the chain has its Retryable flag set.
func IsRetryable(err error) bool {
	se, ok := as(err)
	return ok && se.Retryable
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	se, ok := as(err)
	return ok && se.Severity == SeverityFatal
}

// IsStaleWrite reports whether err is a discarded out-of-order write.
func IsStaleWrite(err error) bool {
	return GetCode(err) == ErrCodeStaleWrite
}

// IsUnavailable reports whether err is a transient backend fault.
func IsUnavailable(err error) bool {
	return GetCode(err) == ErrCodeBackendUnavailable
}

// IsRejected reports whether err is a permanent refusal of the input,
// either by the backend or by the mapper.
func IsRejected(err error) bool {
	se, ok := as(err)
	if !ok {
		return false
	}
	return se.Code == ErrCodeBackendRejected || se.Category == CategoryMapping
}

// GetCode extracts the error code from a SearchError.
// Returns empty string if no SearchError is in the chain.
func GetCode(err error) string {
	if se, ok := as(err); ok {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from a SearchError.
// Returns empty string if no SearchError is in the chain.
func GetCategory(err error) Category {
	if se, ok := as(err); ok {
		return se.Category
	}
	return ""
}
