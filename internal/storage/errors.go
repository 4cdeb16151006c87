package storage

import (
	"errors"

	"github.com/snapsync/snapsync/internal/record"
)

// Common storage errors
var (
	ErrStorage         = errors.New("storage failure")
	ErrUnknownBackend  = errors.New("unknown storage backend")
	ErrUnknownEncoding = errors.New("unknown record encoding")
	ErrDriverClosed    = errors.New("storage driver is closed")
	ErrInjectedFailure = errors.New("injected storage failure")
	ErrIndexField      = errors.New("unique index is only supported on the record key")
)

// Storage operations, used as StorageError.Op
const (
	OpDelete      = "delete"
	OpEnsureIndex = "ensure_index"
	OpUpsert      = "upsert"
	OpFind        = "find"
	OpPing        = "ping"
)

// StorageError represents an I/O failure surfaced by a storage phase.
type StorageError struct {
	Op      string
	Scope   record.Scope
	Message string
	Failed  int // upserts that did not apply, for OpUpsert
	Cause   error
}

func (e *StorageError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "storage " + e.Op + " failed"
	}
	if !e.Scope.IsZero() {
		msg += " (" + e.Scope.String() + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the ErrStorage sentinel and the underlying cause.
func (e *StorageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Cause}
}

// NewError creates a storage error for an operation
func NewError(op string, scope record.Scope, message string) *StorageError {
	return &StorageError{
		Op:      op,
		Scope:   scope,
		Message: message,
	}
}

// NewErrorWithCause creates a storage error with underlying cause
func NewErrorWithCause(op string, scope record.Scope, cause error) *StorageError {
	return &StorageError{
		Op:    op,
		Scope: scope,
		Cause: cause,
	}
}
