package auth

import (
	"fmt"
	"sort"

	"github.com/snapsync/snapsync/internal/record"
)

// Allowlist restricts which datasets callers may read or reconcile.
type Allowlist struct {
	datasets map[string]struct{}
}

// NewAllowlist normalizes the configured dataset names. An empty list allows
// every valid dataset name.
func NewAllowlist(datasets []string) (*Allowlist, error) {
	a := &Allowlist{datasets: make(map[string]struct{}, len(datasets))}
	for _, ds := range datasets {
		name, err := record.NormalizeScopeName(ds)
		if err != nil {
			return nil, fmt.Errorf("auth.allowed_datasets: %w", err)
		}
		a.datasets[name] = struct{}{}
	}
	return a, nil
}

// Check validates dataset and collection and verifies the dataset is
// allowed. Invalid names yield a *record.ScopeError; a valid but disallowed
// dataset yields a *record.ScopeError that also matches ErrDatasetNotAllowed.
func (a *Allowlist) Check(dataset, collection string) (record.Scope, error) {
	scope, err := record.NewScope(dataset, collection)
	if err != nil {
		return record.Scope{}, err
	}
	if !a.Allows(scope.Dataset) {
		return record.Scope{}, fmt.Errorf("%w: %w", ErrDatasetNotAllowed, &record.ScopeError{
			Part:   "dataset",
			Value:  scope.Dataset,
			Reason: "not in the allowed dataset list",
		})
	}
	return scope, nil
}

// Allows reports whether a normalized dataset name may be used.
func (a *Allowlist) Allows(dataset string) bool {
	if a == nil || len(a.datasets) == 0 {
		return true
	}
	_, ok := a.datasets[dataset]
	return ok
}

// Datasets returns the allowed names, sorted; nil means unrestricted.
func (a *Allowlist) Datasets() []string {
	if a == nil || len(a.datasets) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.datasets))
	for ds := range a.datasets {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}
