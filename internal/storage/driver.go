package storage

import (
	"context"
	"errors"

	"github.com/snapsync/snapsync/internal/record"
)

// Query limits shared by every backend
const (
	DefaultFindLimit = 200
	MaxFindLimit     = 5000
)

// Driver is the storage contract the reconciliation engine runs against.
// A single Driver is created at startup and shared by all concurrent calls;
// implementations must be safe for concurrent use.
type Driver interface {
	// DeleteWhereKeyNotIn removes every record in scope whose key is not in
	// keys. An empty key set empties the scope. Returns the number removed.
	DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error)

	// EnsureUniqueIndex guarantees a uniqueness constraint on field within
	// scope. Idempotent.
	EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error

	// BulkUpsertUnordered replaces (or inserts) every document by key. Each
	// upsert is atomic on its own; a failing upsert does not prevent the
	// others. Per-document failures are reported in the result, the error is
	// reserved for failures of the whole call.
	BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error)

	// Find returns records of a scope ordered by key.
	Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the backend ("pebble", "sqlite", ...).
	Name() string

	// Close releases the backend's resources.
	Close() error
}

// FindOptions narrows a read.
type FindOptions struct {
	// Text is matched case-insensitively as a substring of any of Fields.
	Text string
	// Fields lists the record fields searched by Text.
	Fields []string
	// Limit caps the number of results; zero or negative means unlimited.
	Limit int
}

// WriteError is the failure of one upsert inside a bulk write.
type WriteError struct {
	Index int    // position in the docs slice passed to BulkUpsertUnordered
	Key   string // record key
	Err   error
}

func (e WriteError) Error() string {
	return "upsert " + e.Key + ": " + e.Err.Error()
}

func (e WriteError) Unwrap() error { return e.Err }

// BulkResult aggregates per-operation outcomes of an unordered bulk upsert.
type BulkResult struct {
	Upserted int
	Errors   []WriteError
}

// Failed reports how many upserts did not apply.
func (r *BulkResult) Failed() int {
	if r == nil {
		return 0
	}
	return len(r.Errors)
}

// Err joins the per-operation errors, or returns nil when all succeeded.
func (r *BulkResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, we := range r.Errors {
		errs[i] = we
	}
	return errors.Join(errs...)
}

// ClampLimit applies the default and hard cap used by read queries.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultFindLimit
	}
	if limit > MaxFindLimit {
		return MaxFindLimit
	}
	return limit
}
