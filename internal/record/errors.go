package record

import (
	"errors"
	"fmt"
)

// Common normalization errors
var (
	ErrInvalidKey   = errors.New("invalid record key")
	ErrInvalidScope = errors.New("invalid scope")
)

// KeyError reports a record (or retention entry) that cannot yield a key.
// The reconciliation engine skips such records instead of failing the batch.
type KeyError struct {
	Field  string // key field that was inspected
	Index  int    // position in the incoming batch, -1 when not applicable
	Reason string
}

func (e *KeyError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("record %d: field %q: %s", e.Index, e.Field, e.Reason)
	}
	if e.Field != "" {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return "key: " + e.Reason
}

func (e *KeyError) Unwrap() error { return ErrInvalidKey }

// ScopeError reports an invalid or disallowed dataset/collection name.
type ScopeError struct {
	Part   string // "dataset" or "collection"
	Value  string
	Reason string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Part, e.Value, e.Reason)
}

func (e *ScopeError) Unwrap() error { return ErrInvalidScope }
