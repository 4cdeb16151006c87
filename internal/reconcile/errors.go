package reconcile

import (
	"errors"
	"fmt"
)

// ErrInvalidBatch is matched by every BatchTypeError.
var ErrInvalidBatch = errors.New("invalid record batch")

// BatchTypeError reports a request whose record batch does not have the
// expected shape. It is raised before anything is written.
type BatchTypeError struct {
	Field  string // request member at fault ("records", "keep", ...)
	Index  int    // offending element, -1 when not applicable
	Reason string
}

func (e *BatchTypeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid %s[%d]: %s", e.Field, e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *BatchTypeError) Unwrap() error { return ErrInvalidBatch }

func batchError(field string, index int, reason string) *BatchTypeError {
	return &BatchTypeError{Field: field, Index: index, Reason: reason}
}
