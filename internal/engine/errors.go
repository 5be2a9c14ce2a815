package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/outbox/internal/ir"
)

// SyncError represents a failure surfaced by the mutation store, the
// executor, or an edit session.
//
// Codes:
//   - STORAGE: the local store failed; the pass aborts
//   - REMOTE_UNREACHABLE: transient; the mutation stays queued
//   - REMOTE_REJECTED: permanent; the mutation is discarded with a warning
//   - SYNC_BLOCKED: an edit session holds the scope
//   - VERSION_CONFLICT: the remote lock was renewed by someone else
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Scope identifies the affected scope, if any.
	Scope string

	// ID identifies the affected entity, if any.
	ID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	ErrCodeStorage         ErrorCode = "STORAGE"
	ErrCodeUnreachable     ErrorCode = "REMOTE_UNREACHABLE"
	ErrCodeRejected        ErrorCode = "REMOTE_REJECTED"
	ErrCodeBlocked         ErrorCode = "SYNC_BLOCKED"
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Scope != "" && e.ID != "" {
		return fmt.Sprintf("%s: %s (scope=%s, id=%s)", e.Code, msg, e.Scope, e.ID)
	}
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s (scope=%s)", e.Code, msg, e.Scope)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Rejected reports a permanent refusal by the remote authority.
// The message is shown to the user in the discard warning.
func Rejected(message string) *SyncError {
	return &SyncError{Code: ErrCodeRejected, Message: message}
}

// Unreachable wraps a transient remote failure.
func Unreachable(err error) *SyncError {
	return &SyncError{Code: ErrCodeUnreachable, Message: "remote unreachable", Err: err}
}

// NewStorageError wraps a local store failure.
func NewStorageError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStorage, Message: op, Err: err}
}

// Blocked reports that an edit session holds the scope.
func Blocked(scope ir.Scope) *SyncError {
	return &SyncError{Code: ErrCodeBlocked, Message: "scope is being edited", Scope: scope.String()}
}

// NewVersionConflictError reports that the remote lock moved from want to got.
func NewVersionConflictError(scope ir.Scope, want, got int64) *SyncError {
	return &SyncError{
		Code:    ErrCodeVersionConflict,
		Message: fmt.Sprintf("lock version changed (held %d, remote %d)", want, got),
		Scope:   scope.String(),
	}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRejected returns true if the remote permanently refused the mutation.
// Uses errors.As to handle wrapped errors.
func IsRejected(err error) bool {
	return hasCode(err, ErrCodeRejected)
}

// IsUnreachable returns true for any remote failure that is not a rejection.
// Unclassified errors count as unreachable so the mutation is retried.
func IsUnreachable(err error) bool {
	return err != nil && !IsRejected(err)
}

// IsStorageError returns true if the local store failed.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsSyncBlocked returns true if the pass was refused by an edit session.
func IsSyncBlocked(err error) bool {
	return hasCode(err, ErrCodeBlocked)
}

// IsVersionConflict returns true if an edit session lost its lock.
func IsVersionConflict(err error) bool {
	return hasCode(err, ErrCodeVersionConflict)
}

// rejectionReason extracts the user-facing reason from a rejection.
func rejectionReason(err error) string {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeRejected && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
