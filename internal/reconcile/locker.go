package reconcile

import (
	"context"

	"github.com/snapsync/snapsync/internal/record"
	"github.com/spaolacci/murmur3"
)

// DefaultLockStripes is the stripe count used when none is configured.
const DefaultLockStripes = 64

// ScopeLocker serializes reconciliations of the same scope inside one
// process. Scopes hash onto a fixed table of stripes, so unrelated scopes can
// occasionally share a stripe; that costs throughput, never correctness.
type ScopeLocker struct {
	stripes []chan struct{}
}

// NewScopeLocker creates a locker with n stripes (DefaultLockStripes if n <= 0).
func NewScopeLocker(n int) *ScopeLocker {
	if n <= 0 {
		n = DefaultLockStripes
	}
	l := &ScopeLocker{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *ScopeLocker) stripe(scope record.Scope) chan struct{} {
	h := murmur3.Sum32([]byte(scope.String()))
	return l.stripes[h%uint32(len(l.stripes))]
}

// Lock acquires the lease for scope, waiting until it is free or ctx is done.
// The returned function releases the lease.
func (l *ScopeLocker) Lock(ctx context.Context, scope record.Scope) (func(), error) {
	ch := l.stripe(scope)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stripes returns the stripe count.
func (l *ScopeLocker) Stripes() int { return len(l.stripes) }
