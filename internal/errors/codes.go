// Package errors provides the structured error taxonomy for tutosearch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Mapping errors (bad content data)
//   - 3XX: Backend errors
//   - 4XX: Validation errors (queries, events)
//   - 5XX: Internal and reindex errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryMapping indicates content that cannot be turned into a search document.
	CategoryMapping Category = "MAPPING"
	// CategoryBackend indicates a search backend fault or refusal.
	CategoryBackend Category = "BACKEND"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates internal and reindex errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeUnknownBackend = "ERR_103_UNKNOWN_BACKEND"

	// Mapping errors (200-299)
	ErrCodeMappingFailed  = "ERR_201_MAPPING_FAILED"
	ErrCodeMissingField   = "ERR_202_MISSING_FIELD"
	ErrCodeContentMissing = "ERR_203_CONTENT_NOT_FOUND"

	// Backend errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeBackendRejected    = "ERR_302_BACKEND_REJECTED"
	ErrCodeStaleWrite         = "ERR_303_STALE_WRITE"
	ErrCodeCorruptIndex       = "ERR_304_CORRUPT_INDEX"
	ErrCodeSourceUnavailable  = "ERR_305_SOURCE_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery = "ERR_402_INVALID_QUERY"
	ErrCodeInvalidEvent = "ERR_403_INVALID_EVENT"

	// Internal errors (500-599)
	ErrCodeInternal           = "ERR_501_INTERNAL"
	ErrCodeReindexAborted     = "ERR_502_REINDEX_ABORTED"
	ErrCodeReindexInProgress  = "ERR_503_REINDEX_IN_PROGRESS"
	ErrCodeGenerationNotFound = "ERR_504_GENERATION_NOT_FOUND"
	ErrCodeGenerationPending  = "ERR_505_GENERATION_REPAIRS_PENDING"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "301" from "ERR_301_BACKEND_UNAVAILABLE")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryMapping
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex:
		return SeverityFatal
	case ErrCodeStaleWrite, ErrCodeReindexInProgress:
		return SeverityInfo
	}

	// Transient faults degrade service but do not fail it
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeSourceUnavailable, ErrCodeGenerationPending:
		return true
	default:
		return false
	}
}
