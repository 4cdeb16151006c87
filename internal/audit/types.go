package audit

import (
	"context"

	"github.com/snapsync/snapsync/internal/reconcile"
)

// Event types
const (
	EventTypeReconcile = "reconcile"
	EventTypeExport    = "export"
)

// Status
const (
	StatusSuccess = reconcile.StatusSuccess
	StatusPartial = reconcile.StatusPartial
	StatusFailed  = reconcile.StatusFailed
)

// AuditEvent is a single reconciliation (or export) run to be recorded
type AuditEvent struct {
	RequestID  string // Request ID from the tracing middleware, if any
	EventType  string // reconcile, export
	Source     string // http, cli
	Dataset    string
	Collection string
	KeyField   string
	Status     string // success, partial, failed
	Received   int
	Upserted   int
	Retained   int
	Deleted    int64
	Skipped    int
	Failed     int
	Error      string
	DurationMs int64
	Details    map[string]interface{}
}

// AuditLog is a stored audit entry
type AuditLog struct {
	ID         string                 `json:"id"`
	Timestamp  int64                  `json:"timestamp"` // unix milliseconds
	RequestID  string                 `json:"requestId,omitempty"`
	EventType  string                 `json:"eventType"`
	Source     string                 `json:"source,omitempty"`
	Dataset    string                 `json:"dataset"`
	Collection string                 `json:"collection"`
	KeyField   string                 `json:"keyField,omitempty"`
	Status     string                 `json:"status"`
	Received   int                    `json:"receivedCount"`
	Upserted   int                    `json:"upsertedCount"`
	Retained   int                    `json:"retainedCount"`
	Deleted    int64                  `json:"deletedCount"`
	Skipped    int                    `json:"skippedCount"`
	Failed     int                    `json:"failedCount"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"durationMs"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AuditLogFilters narrows GetLogs queries
type AuditLogFilters struct {
	Dataset    string
	Collection string
	EventType  string
	Status     string
	StartDate  int64 // unix milliseconds, inclusive
	EndDate    int64 // unix milliseconds, inclusive
	Page       int
	PageSize   int
}

// Store persists audit logs
type Store interface {
	LogEvent(ctx context.Context, event *AuditEvent) (string, error)
	GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error)
	GetLogByID(ctx context.Context, id string) (*AuditLog, error)
	PurgeLogs(ctx context.Context, olderThanDays int) (int, error)
	Close() error
}
