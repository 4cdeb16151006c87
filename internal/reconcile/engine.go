package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

// Request is one reconciliation call.
type Request struct {
	Scope         record.Scope
	Records       []record.Fields
	RetentionKeys []any  // nil derives the retention set from Records
	KeyField      string // empty uses the engine default
	RequestID     string
	Source        string // "http", "cli", ...
}

// Summary reports what a reconciliation did.
type Summary struct {
	Upserted    int   `json:"upsertedCount"`
	Retained    int   `json:"retainedCount"`
	Deleted     int64 `json:"deletedCount"`
	Received    int   `json:"receivedCount"`
	Skipped     int   `json:"skippedCount"`
	Failed      int   `json:"failedCount"`
	KeepSkipped int   `json:"keepSkippedCount"`
}

// Event is delivered to observers once a reconciliation finishes, whether it
// succeeded or not.
type Event struct {
	RequestID string
	Source    string
	Scope     record.Scope
	KeyField  string
	Summary   Summary
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Outcome labels reported by Event.Status.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Status classifies the run: partial when only some upserts failed.
func (ev Event) Status() string {
	switch {
	case ev.Err == nil:
		return StatusSuccess
	case ev.Summary.Failed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Observer receives reconciliation events (audit trail, metrics).
type Observer interface {
	ReconcileCompleted(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) ReconcileCompleted(ctx context.Context, ev Event) { f(ctx, ev) }

// Options configures an Engine.
type Options struct {
	Logger          *logrus.Logger
	Locker          *ScopeLocker // nil disables the per-scope lease
	Clock           func() time.Time
	DefaultKeyField string
	Observers       []Observer

	// OpTimeout bounds each storage phase; zero leaves only the caller's
	// deadline.
	OpTimeout time.Duration
}

// Engine converges collections to caller-supplied snapshots. It is safe for
// concurrent use; all state lives in the injected storage driver.
type Engine struct {
	driver          storage.Driver
	logger          *logrus.Logger
	locker          *ScopeLocker
	clock           func() time.Time
	defaultKeyField string
	observers       []Observer
	opTimeout       time.Duration
}

// NewEngine creates an engine over driver.
func NewEngine(driver storage.Driver, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		driver:          driver,
		logger:          opts.Logger,
		locker:          opts.Locker,
		clock:           opts.Clock,
		defaultKeyField: record.ResolveKeyField(opts.DefaultKeyField, record.DefaultKeyField),
		observers:       opts.Observers,
		opTimeout:       opts.OpTimeout,
	}
}

// Driver returns the storage driver the engine writes to.
func (e *Engine) Driver() storage.Driver { return e.driver }

// DefaultKeyField returns the key field used when a request names none.
func (e *Engine) DefaultKeyField() string { return e.defaultKeyField }

// Reconcile makes the stored contents of req.Scope equal the request's
// snapshot: records outside the retention set are deleted, a unique index on
// the record key is ensured, then every keyed record is upserted.
//
// Records whose key cannot be derived are skipped and counted. A storage
// failure aborts the remaining phases and is returned as *storage.StorageError;
// the request can be re-issued as is. When some upserts fail the summary is
// returned alongside the error.
func (e *Engine) Reconcile(ctx context.Context, req Request) (_ *Summary, err error) {
	started := time.Now()
	keyField := record.ResolveKeyField(req.KeyField, e.defaultKeyField)
	summary := &Summary{Received: len(req.Records)}

	defer func() {
		e.notify(ctx, Event{
			RequestID: req.RequestID,
			Source:    req.Source,
			Scope:     req.Scope,
			KeyField:  keyField,
			Summary:   *summary,
			Err:       err,
			StartedAt: started,
			Duration:  time.Since(started),
		})
	}()

	scope, err := record.NewScope(req.Scope.Dataset, req.Scope.Collection)
	if err != nil {
		return nil, err
	}
	req.Scope = scope

	prepared, skipped := record.Prepare(req.Records, keyField)
	retention, keepSkipped := record.RetentionSet(req.RetentionKeys, prepared)
	summary.Skipped = len(skipped)
	summary.KeepSkipped = keepSkipped
	summary.Retained = len(retention)

	log := e.logger.WithFields(logrus.Fields{
		"dataset":    scope.Dataset,
		"collection": scope.Collection,
		"request_id": req.RequestID,
	})
	for _, s := range skipped {
		log.WithError(s.Err).WithField("index", s.Index).Debug("Skipping record without a valid key")
	}

	if e.locker != nil {
		release, err := e.locker.Lock(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", scope, err)
		}
		defer release()
	}

	phaseCtx, cancel := e.phaseContext(ctx)
	deleted, err := e.driver.DeleteWhereKeyNotIn(phaseCtx, scope, retention)
	cancel()
	if err != nil {
		return nil, storageError(storage.OpDelete, scope, err)
	}
	summary.Deleted = deleted

	phaseCtx, cancel = e.phaseContext(ctx)
	err = e.driver.EnsureUniqueIndex(phaseCtx, scope, record.FieldKey)
	cancel()
	if err != nil {
		return nil, storageError(storage.OpEnsureIndex, scope, err)
	}

	now := e.clock().UTC()
	docs := make([]*record.Document, len(prepared))
	for i, p := range prepared {
		docs[i] = record.NewDocument(scope, p.Key, p.Fields, now)
	}

	phaseCtx, cancel = e.phaseContext(ctx)
	result, err := e.driver.BulkUpsertUnordered(phaseCtx, scope, docs)
	cancel()
	if err != nil {
		return nil, storageError(storage.OpUpsert, scope, err)
	}
	summary.Upserted = result.Upserted
	summary.Failed = result.Failed()
	if summary.Failed > 0 {
		serr := storage.NewErrorWithCause(storage.OpUpsert, scope, result.Err())
		serr.Message = fmt.Sprintf("%d of %d upserts failed", summary.Failed, len(docs))
		serr.Failed = summary.Failed
		return summary, serr
	}

	log.WithFields(logrus.Fields{
		"upserted": summary.Upserted,
		"retained": summary.Retained,
		"deleted":  summary.Deleted,
		"skipped":  summary.Skipped,
	}).Info("Reconciliation completed")

	return summary, nil
}

// Find reads a scope for the snapshot query. The limit is clamped to the
// documented default and hard cap.
func (e *Engine) Find(ctx context.Context, scope record.Scope, opts storage.FindOptions) ([]*record.Document, error) {
	scope, err := record.NewScope(scope.Dataset, scope.Collection)
	if err != nil {
		return nil, err
	}
	opts.Limit = storage.ClampLimit(opts.Limit)
	ctx, cancel := e.phaseContext(ctx)
	defer cancel()
	docs, err := e.driver.Find(ctx, scope, opts)
	if err != nil {
		return nil, storageError(storage.OpFind, scope, err)
	}
	return docs, nil
}

// Ping checks storage reachability.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.phaseContext(ctx)
	defer cancel()
	if err := e.driver.Ping(ctx); err != nil {
		return storageError(storage.OpPing, record.Scope{}, err)
	}
	return nil
}

func (e *Engine) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	for _, o := range e.observers {
		o.ReconcileCompleted(ctx, ev)
	}
}

// storageError wraps a driver failure unless the driver already returned one.
func storageError(op string, scope record.Scope, err error) error {
	var serr *storage.StorageError
	if errors.As(err, &serr) {
		return serr
	}
	return storage.NewErrorWithCause(op, scope, err)
}
