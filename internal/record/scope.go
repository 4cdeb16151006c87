package record

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxScopeNameLength bounds dataset and collection names.
const MaxScopeNameLength = 64

var validScopeName = regexp.MustCompile(`^[a-z0-9_]+$`)

// Scope is the (dataset, collection) pair that addresses one logical collection.
type Scope struct {
	Dataset    string `json:"dataset"`
	Collection string `json:"collection"`
}

// NewScope normalizes both halves of a scope.
func NewScope(dataset, collection string) (Scope, error) {
	ds, err := normalizeScopePart("dataset", dataset)
	if err != nil {
		return Scope{}, err
	}
	coll, err := normalizeScopePart("collection", collection)
	if err != nil {
		return Scope{}, err
	}
	return Scope{Dataset: ds, Collection: coll}, nil
}

// NormalizeScopeName case-folds and trims a dataset or collection name and
// checks it against the safe charset (lowercase letters, digits, underscore).
func NormalizeScopeName(raw string) (string, error) {
	return normalizeScopePart("name", raw)
}

func normalizeScopePart(part, raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", &ScopeError{Part: part, Value: raw, Reason: "must not be empty"}
	}
	if len(name) > MaxScopeNameLength {
		return "", &ScopeError{Part: part, Value: raw, Reason: fmt.Sprintf("must be at most %d characters", MaxScopeNameLength)}
	}
	if !validScopeName.MatchString(name) {
		return "", &ScopeError{Part: part, Value: raw, Reason: "may only contain lowercase letters, digits and underscores"}
	}
	return name, nil
}

// String renders the scope as "dataset/collection".
func (s Scope) String() string {
	return s.Dataset + "/" + s.Collection
}

// IsZero reports whether the scope was never set.
func (s Scope) IsZero() bool {
	return s.Dataset == "" && s.Collection == ""
}
