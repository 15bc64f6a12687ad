package optimistic

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a persistence failure.
type Code string

const (
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeUnknown            Code = "UNKNOWN"
)

var nonRetryable = map[Code]bool{
	CodePermissionDenied:   true,
	CodeUnauthenticated:    true,
	CodeInvalidArgument:    true,
	CodeNotFound:           true,
	CodeAlreadyExists:      true,
	CodeFailedPrecondition: true,
}

var conflictCodes = map[Code]bool{
	CodeAlreadyExists:      true,
	CodeFailedPrecondition: true,
}

var conflictMarkers = []string{
	"version mismatch",
	"already exists",
	"concurrent modification",
	"out of date",
	"precondition failed",
}

// Markers also match their hyphenated and snake_case spellings.
var markerReplacer = strings.NewReplacer("-", " ", "_", " ")

// ErrEntityBusy is returned when an optimistic operation is already in flight
// for the same entity.
var ErrEntityBusy = errors.New("optimistic operation already in flight for entity")

// SyncError is the failure shape sync functions should return.
type SyncError struct {
	Code    Code
	Message string
	Err     error
}

func NewSyncError(code Code, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// CodeOf extracts the code from err, defaulting to UNKNOWN.
func CodeOf(err error) Code {
	var se *SyncError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return CodeUnknown
}

// IsConflict matches the conflict codes and message markers.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if conflictCodes[CodeOf(err)] {
		return true
	}
	msg := markerReplacer.Replace(strings.ToLower(err.Error()))
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether another sync attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil || IsConflict(err) {
		return false
	}
	return !nonRetryable[CodeOf(err)]
}

// ConflictError wraps a conflict-shaped sync failure.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return "sync conflict: " + e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// RetryableSyncError is returned once transient failures exhaust the retry budget.
type RetryableSyncError struct {
	Attempts int
	Err      error
}

func (e *RetryableSyncError) Error() string {
	return fmt.Sprintf("sync failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryableSyncError) Unwrap() error { return e.Err }

// FatalInconsistencyError means the original state could not be restored. The
// visible model no longer matches the store and must be resynchronized.
type FatalInconsistencyError struct {
	OperationID string
	EntityID    string
	SyncErr     error
	RollbackErr error
}

func (e *FatalInconsistencyError) Error() string {
	return fmt.Sprintf("fatal inconsistency on %s (operation %s): rollback failed: %v (sync error: %v)",
		e.EntityID, e.OperationID, e.RollbackErr, e.SyncErr)
}

func (e *FatalInconsistencyError) Unwrap() error { return e.RollbackErr }
