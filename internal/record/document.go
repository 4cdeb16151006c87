package record

import (
	"fmt"
	"time"
)

// DefaultKeyField is the record field keys are derived from unless overridden.
const DefaultKeyField = "name"

// Reserved metadata fields written by the engine next to the caller's fields.
const (
	FieldKey       = "_key"
	FieldScope     = "_scope"
	FieldUpdatedAt = "_updatedAt"
)

// Fields is a caller-supplied record: an arbitrary mapping of field names to values.
type Fields map[string]any

// IsReservedField reports whether name is owned by the engine.
func IsReservedField(name string) bool {
	switch name {
	case FieldKey, FieldScope, FieldUpdatedAt:
		return true
	}
	return false
}

// Document is a normalized record as it is written to and read from storage.
type Document struct {
	Key       string
	Scope     Scope
	Fields    Fields
	UpdatedAt time.Time
}

// NewDocument builds a storage document from caller fields. Reserved fields
// are dropped from the caller's map; the engine metadata replaces them.
func NewDocument(scope Scope, key string, fields Fields, updatedAt time.Time) *Document {
	clean := make(Fields, len(fields))
	for k, v := range fields {
		if IsReservedField(k) {
			continue
		}
		clean[k] = NormalizeValue(v)
	}
	return &Document{
		Key:       key,
		Scope:     scope,
		Fields:    clean,
		UpdatedAt: updatedAt.UTC(),
	}
}

// Flatten renders the document as a single map: caller fields plus metadata.
// This is the shape persisted by the document-oriented backends and returned
// by read queries.
func (d *Document) Flatten() map[string]any {
	out := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		out[k] = v
	}
	out[FieldKey] = d.Key
	out[FieldScope] = map[string]any{
		"dataset":    d.Scope.Dataset,
		"collection": d.Scope.Collection,
	}
	out[FieldUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// FromFlat is the inverse of Flatten. Values are normalized into the canonical
// value model; _updatedAt may be an RFC3339 string or a time.Time.
func FromFlat(m map[string]any) (*Document, error) {
	doc := &Document{Fields: make(Fields, len(m))}

	key, ok := m[FieldKey].(string)
	if !ok || key == "" {
		return nil, fmt.Errorf("document has no %s field", FieldKey)
	}
	doc.Key = key

	switch scope := NormalizeValue(m[FieldScope]).(type) {
	case map[string]any:
		doc.Scope.Dataset, _ = scope["dataset"].(string)
		doc.Scope.Collection, _ = scope["collection"].(string)
	case nil:
	default:
		return nil, fmt.Errorf("document %q has malformed %s field", key, FieldScope)
	}

	switch ts := m[FieldUpdatedAt].(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("document %q: parse %s: %w", key, FieldUpdatedAt, err)
		}
		doc.UpdatedAt = parsed.UTC()
	case time.Time:
		doc.UpdatedAt = ts.UTC()
	case nil:
	default:
		return nil, fmt.Errorf("document %q has malformed %s field", key, FieldUpdatedAt)
	}

	for k, v := range m {
		if IsReservedField(k) {
			continue
		}
		doc.Fields[k] = NormalizeValue(v)
	}
	return doc, nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	return &Document{
		Key:       d.Key,
		Scope:     d.Scope,
		Fields:    NormalizeFields(d.Fields),
		UpdatedAt: d.UpdatedAt,
	}
}
