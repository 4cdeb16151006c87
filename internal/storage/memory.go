package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/snapsync/snapsync/internal/record"
)

// FaultFunc lets tests fail individual storage operations. key is empty for
// operations that are not per-record.
type FaultFunc func(op string, scope record.Scope, key string) error

// MemoryDriver keeps collections in process memory. It backs the "memory"
// backend and the engine tests.
type MemoryDriver struct {
	mu      sync.RWMutex
	scopes  map[record.Scope]map[string]*record.Document
	indexes map[record.Scope]map[string]struct{}
	faults  FaultFunc
	closed  bool
}

// NewMemoryDriver creates an empty in-memory driver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		scopes:  make(map[record.Scope]map[string]*record.Document),
		indexes: make(map[record.Scope]map[string]struct{}),
	}
}

// SetFaults installs (or clears, with nil) a fault injector.
func (m *MemoryDriver) SetFaults(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = fn
}

func (m *MemoryDriver) Name() string { return BackendMemory }

func (m *MemoryDriver) fault(op string, scope record.Scope, key string) error {
	if m.faults == nil {
		return nil
	}
	return m.faults(op, scope, key)
}

func (m *MemoryDriver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrDriverClosed
	}
	return nil
}

func (m *MemoryDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return 0, err
	}
	if err := m.fault(OpDelete, scope, ""); err != nil {
		return 0, err
	}

	docs := m.scopes[scope]
	keep := keySet(keys)
	var deleted int64
	for key := range docs {
		if _, ok := keep[key]; !ok {
			delete(docs, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	if err := m.fault(OpEnsureIndex, scope, ""); err != nil {
		return err
	}

	idx, ok := m.indexes[scope]
	if !ok {
		idx = make(map[string]struct{})
		m.indexes[scope] = idx
	}
	idx[field] = struct{}{}
	return nil
}

func (m *MemoryDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}

	coll, ok := m.scopes[scope]
	if !ok {
		coll = make(map[string]*record.Document)
		m.scopes[scope] = coll
	}

	result := &BulkResult{}
	for i, doc := range docs {
		if err := m.fault(OpUpsert, scope, doc.Key); err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		stored := doc.Clone()
		stored.Scope = scope
		coll[doc.Key] = stored
		result.Upserted++
	}
	return result, nil
}

func (m *MemoryDriver) Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := m.fault(OpFind, scope, ""); err != nil {
		return nil, err
	}

	out := make([]*record.Document, 0)
	for _, doc := range m.scopes[scope] {
		if matchesText(doc, opts.Text, opts.Fields) {
			out = append(out, doc.Clone())
		}
	}
	sortByKey(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryDriver) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx); err != nil {
		return err
	}
	return m.fault(OpPing, record.Scope{}, "")
}

func (m *MemoryDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Keys returns the sorted keys stored in a scope.
func (m *MemoryDriver) Keys(scope record.Scope) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.scopes[scope]))
	for k := range m.scopes[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a copy of one stored document, or nil.
func (m *MemoryDriver) Get(scope record.Scope, key string) *record.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.scopes[scope][key]
	if !ok {
		return nil
	}
	return doc.Clone()
}

// HasIndex reports whether EnsureUniqueIndex ran for field in scope.
func (m *MemoryDriver) HasIndex(scope record.Scope, field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.indexes[scope][field]
	return ok
}

var _ Driver = (*MemoryDriver)(nil)
