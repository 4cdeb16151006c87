package metrics

import (
	"context"
	"time"

	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

// InstrumentedDriver records the outcome and latency of every storage call.
type InstrumentedDriver struct {
	next    storage.Driver
	manager Manager
}

// InstrumentDriver wraps next so each operation is counted by manager.
func InstrumentDriver(next storage.Driver, manager Manager) *InstrumentedDriver {
	return &InstrumentedDriver{next: next, manager: manager}
}

// Unwrap returns the wrapped driver.
func (d *InstrumentedDriver) Unwrap() storage.Driver { return d.next }

func (d *InstrumentedDriver) Name() string { return d.next.Name() }

func (d *InstrumentedDriver) observe(op string, start time.Time, err error) {
	d.manager.RecordStorageOperation(op, err == nil, time.Since(start))
}

func (d *InstrumentedDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	start := time.Now()
	n, err := d.next.DeleteWhereKeyNotIn(ctx, scope, keys)
	d.observe(storage.OpDelete, start, err)
	return n, err
}

func (d *InstrumentedDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	start := time.Now()
	err := d.next.EnsureUniqueIndex(ctx, scope, field)
	d.observe(storage.OpEnsureIndex, start, err)
	return err
}

// BulkUpsertUnordered counts a bulk call with per-record failures as failed.
func (d *InstrumentedDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*storage.BulkResult, error) {
	start := time.Now()
	result, err := d.next.BulkUpsertUnordered(ctx, scope, docs)
	success := err == nil && (result == nil || result.Failed() == 0)
	d.manager.RecordStorageOperation(storage.OpUpsert, success, time.Since(start))
	return result, err
}

func (d *InstrumentedDriver) Find(ctx context.Context, scope record.Scope, opts storage.FindOptions) ([]*record.Document, error) {
	start := time.Now()
	docs, err := d.next.Find(ctx, scope, opts)
	d.observe(storage.OpFind, start, err)
	return docs, err
}

func (d *InstrumentedDriver) Ping(ctx context.Context) error {
	start := time.Now()
	err := d.next.Ping(ctx)
	d.observe(storage.OpPing, start, err)
	return err
}

func (d *InstrumentedDriver) Close() error { return d.next.Close() }

var _ storage.Driver = (*InstrumentedDriver)(nil)
