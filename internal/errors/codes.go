// Package errors provides structured error handling for entsearch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Backing store errors
//   - 3XX: Index engine errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates backing store (SQLite) errors.
	CategoryStore Category = "STORE"
	// CategoryIndex indicates search index engine errors.
	CategoryIndex Category = "INDEX"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
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
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeStoreOpen     = "ERR_201_STORE_OPEN"
	ErrCodeStoreBusy     = "ERR_202_STORE_BUSY"
	ErrCodeStoreQuery    = "ERR_203_STORE_QUERY"
	ErrCodeUnknownKind   = "ERR_204_UNKNOWN_KIND"
	ErrCodeStoreCorrupt  = "ERR_205_STORE_CORRUPT"
	ErrCodeStoreTimeout  = "ERR_206_STORE_READ_TIMEOUT"

	// Index errors (300-399)
	ErrCodeIndexOpen    = "ERR_301_INDEX_OPEN"
	ErrCodeIndexWrite   = "ERR_302_INDEX_WRITE"
	ErrCodeIndexCorrupt = "ERR_303_INDEX_CORRUPT"
	ErrCodeIndexLocked  = "ERR_304_INDEX_LOCKED"

	// Validation errors (400-499)
	ErrCodeInvalidInput   = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery   = "ERR_402_INVALID_QUERY"
	ErrCodeInvalidOptions = "ERR_403_INVALID_OPTIONS"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeMassRunFailed  = "ERR_502_MASS_RUN_FAILED"
	ErrCodeUnknownFactory = "ERR_503_UNKNOWN_FACTORY"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the leading digit of the numeric portion
	// (e.g. '2' from "ERR_202_STORE_BUSY").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryIndex
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeIndexCorrupt:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Lock contention in SQLite (SQLITE_BUSY) clears on its own; everything
// else needs operator attention.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreBusy, ErrCodeStoreTimeout:
		return true
	default:
		return false
	}
}
