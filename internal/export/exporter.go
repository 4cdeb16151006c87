// Package export writes point-in-time snapshots of a collection to an
// S3-compatible bucket.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/audit"
	"github.com/snapsync/snapsync/internal/record"
	"github.com/snapsync/snapsync/internal/storage"
)

// SourceCLI tags exports started from the command line.
const SourceCLI = "cli"

var ErrNoBucket = errors.New("export.bucket is not configured")

// Snapshot is the exported document.
type Snapshot struct {
	Dataset    string           `json:"dataset"`
	Collection string           `json:"collection"`
	ExportedAt time.Time        `json:"exported_at"`
	Count      int              `json:"count"`
	Records    []map[string]any `json:"records"`
}

// Result describes a finished export.
type Result struct {
	Bucket  string
	Key     string
	Records int
	Bytes   int
}

// Options wires an Exporter.
type Options struct {
	Driver   storage.Driver
	Uploader Uploader
	Bucket   string
	Prefix   string
	Audit    *audit.Manager // optional
	Logger   *logrus.Logger
	Clock    func() time.Time
}

// Exporter reads whole scopes and uploads them as JSON.
type Exporter struct {
	driver   storage.Driver
	uploader Uploader
	bucket   string
	prefix   string
	audit    *audit.Manager
	logger   *logrus.Logger
	clock    func() time.Time
}

// New creates an exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Bucket == "" {
		return nil, ErrNoBucket
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Exporter{
		driver:   opts.Driver,
		uploader: opts.Uploader,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		audit:    opts.Audit,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}, nil
}

// ObjectKey returns <prefix>/<dataset>/<collection>/<unix-ms>.json.
func ObjectKey(prefix string, scope record.Scope, at time.Time) string {
	name := strconv.FormatInt(at.UnixMilli(), 10) + ".json"
	return path.Join(strings.Trim(prefix, "/"), scope.Dataset, scope.Collection, name)
}

// Export uploads every record of scope, sorted by key.
func (e *Exporter) Export(ctx context.Context, scope record.Scope) (_ *Result, err error) {
	scope, err = record.NewScope(scope.Dataset, scope.Collection)
	if err != nil {
		return nil, err
	}

	started := e.clock()
	result := &Result{Bucket: e.bucket, Key: ObjectKey(e.prefix, scope, started)}
	defer func() {
		e.record(ctx, scope, result, started, err)
	}()

	docs, err := e.driver.Find(ctx, scope, storage.FindOptions{})
	if err != nil {
		return nil, storage.NewErrorWithCause(storage.OpFind, scope, err)
	}

	snap := Snapshot{
		Dataset:    scope.Dataset,
		Collection: scope.Collection,
		ExportedAt: started.UTC(),
		Count:      len(docs),
		Records:    make([]map[string]any, len(docs)),
	}
	for i, doc := range docs {
		snap.Records[i] = doc.Flatten()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	metadata := map[string]string{
		"dataset":    scope.Dataset,
		"collection": scope.Collection,
		"records":    strconv.Itoa(len(docs)),
	}
	if err := e.uploader.PutObject(ctx, e.bucket, result.Key, data, "application/json", metadata); err != nil {
		return nil, fmt.Errorf("upload %s/%s: %w", e.bucket, result.Key, err)
	}

	result.Records = len(docs)
	result.Bytes = len(data)

	e.logger.WithFields(logrus.Fields{
		"dataset":    scope.Dataset,
		"collection": scope.Collection,
		"bucket":     e.bucket,
		"key":        result.Key,
		"records":    result.Records,
	}).Info("Snapshot exported")

	return result, nil
}

func (e *Exporter) record(ctx context.Context, scope record.Scope, result *Result, started time.Time, err error) {
	if e.audit == nil {
		return
	}

	event := &audit.AuditEvent{
		EventType:  audit.EventTypeExport,
		Source:     SourceCLI,
		Dataset:    scope.Dataset,
		Collection: scope.Collection,
		Status:     audit.StatusSuccess,
		Received:   result.Records,
		DurationMs: e.clock().Sub(started).Milliseconds(),
		Details: map[string]interface{}{
			"bucket": result.Bucket,
			"key":    result.Key,
			"bytes":  result.Bytes,
		},
	}
	if err != nil {
		event.Status = audit.StatusFailed
		event.Error = err.Error()
	}

	if _, logErr := e.audit.LogEvent(context.WithoutCancel(ctx), event); logErr != nil {
		e.logger.WithError(logErr).Warn("Failed to record export in audit trail")
	}
}
