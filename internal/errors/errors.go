// Package errors provides error code definitions for the sync system.
//
// The codes separate the four failure classes the system cares about:
// transient network failures (absorbed, trigger offline fallback),
// local storage failures (fatal, not retryable), server-side application
// failures (recorded per operation, retried), and conflicts (first-class
// persisted state, not errors at all).
package errors

import "fmt"

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Transient network errors, never surfaced to the user as failures.
	ErrNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	ErrProbeTimeout       ErrorCode = "PROBE_TIMEOUT"

	// Local storage errors, fatal to the affected operation.
	ErrStorageFull    ErrorCode = "STORAGE_FULL"
	ErrStorageCorrupt ErrorCode = "STORAGE_CORRUPT"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"

	// Sync engine errors
	ErrSyncInProgress       ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed           ErrorCode = "SYNC_FAILED"
	ErrNotInitialized       ErrorCode = "SYNC_NOT_INITIALIZED"
	ErrQueueItemNotFound    ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrInvalidOperationType ErrorCode = "INVALID_OPERATION_TYPE"

	// Batch processor errors
	ErrBatchPartialFailure ErrorCode = "BATCH_PARTIAL_FAILURE"
	ErrDuplicate           ErrorCode = "DUPLICATE"
	ErrForeignReference    ErrorCode = "INVALID_REFERENCE"

	// Conflict ledger errors
	ErrConflictAlreadyResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrConflictNotFound        ErrorCode = "CONFLICT_NOT_FOUND"
	ErrInvalidResolution       ErrorCode = "INVALID_RESOLUTION"

	// Data-access facade
	ErrNoCachedData ErrorCode = "NO_CACHED_DATA"

	// Offline provisioning
	ErrImportInvalid ErrorCode = "IMPORT_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsNetwork reports whether the error is a transient network failure,
// expected during offline operation.
func IsNetwork(err error) bool {
	return Is(err, ErrNetworkUnreachable) || Is(err, ErrProbeTimeout)
}

// IsStorage reports whether the error is a local storage failure, which
// is not recoverable by retry.
func IsStorage(err error) bool {
	return Is(err, ErrStorageFull) || Is(err, ErrStorageCorrupt)
}
