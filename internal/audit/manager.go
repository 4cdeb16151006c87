package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapsync/snapsync/internal/reconcile"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	purgeInterval   = 24 * time.Hour
)

// Manager records reconciliation and export runs and serves them back.
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager creates a new audit manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{store: store, logger: logger}
}

// missingField names the first required field an event lacks, or "" when
// the event is complete.
func missingField(event *AuditEvent) string {
	switch {
	case event == nil:
		return "event"
	case event.EventType == "":
		return "event_type"
	case event.Dataset == "" || event.Collection == "":
		return "scope"
	case event.Status == "":
		return "status"
	}
	return ""
}

func eventFields(event *AuditEvent) logrus.Fields {
	return logrus.Fields{
		"event_type": event.EventType,
		"request_id": event.RequestID,
		"dataset":    event.Dataset,
		"collection": event.Collection,
		"status":     event.Status,
	}
}

// LogEvent stores event and returns its id. Incomplete events are dropped
// with a warning and yield an empty id.
func (m *Manager) LogEvent(ctx context.Context, event *AuditEvent) (string, error) {
	if field := missingField(event); field != "" {
		m.logger.WithField("missing", field).Warn("Dropping incomplete audit event")
		return "", nil
	}

	id, err := m.store.LogEvent(ctx, event)
	if err != nil {
		m.logger.WithError(err).WithFields(eventFields(event)).Error("Failed to record audit event")
		return "", err
	}

	m.logger.WithFields(eventFields(event)).WithField("audit_id", id).Debug("Audit event recorded")
	return id, nil
}

// ReconcileCompleted records one reconciliation run.
func (m *Manager) ReconcileCompleted(ctx context.Context, ev reconcile.Event) {
	event := &AuditEvent{
		RequestID:  ev.RequestID,
		EventType:  EventTypeReconcile,
		Source:     ev.Source,
		Dataset:    ev.Scope.Dataset,
		Collection: ev.Scope.Collection,
		KeyField:   ev.KeyField,
		Status:     ev.Status(),
		Received:   ev.Summary.Received,
		Upserted:   ev.Summary.Upserted,
		Retained:   ev.Summary.Retained,
		Deleted:    ev.Summary.Deleted,
		Skipped:    ev.Summary.Skipped,
		Failed:     ev.Summary.Failed,
		DurationMs: ev.Duration.Milliseconds(),
	}
	if ev.Err != nil {
		event.Error = ev.Err.Error()
	}
	if ev.Summary.KeepSkipped > 0 {
		event.Details = map[string]interface{}{"keepSkipped": ev.Summary.KeepSkipped}
	}

	// The run already happened; record it even if the caller went away.
	_, _ = m.LogEvent(context.WithoutCancel(ctx), event)
}

// GetLogs returns one page of entries, newest first, and the total match
// count. Page and PageSize on filters are normalized in place.
func (m *Manager) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error) {
	if filters == nil {
		filters = &AuditLogFilters{}
	}
	filters.Page = max(filters.Page, 1)
	switch {
	case filters.PageSize <= 0:
		filters.PageSize = defaultPageSize
	case filters.PageSize > maxPageSize:
		filters.PageSize = maxPageSize
	}

	logs, total, err := m.store.GetLogs(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query audit logs")
		return nil, 0, err
	}
	return logs, total, nil
}

// GetLogByID retrieves a single log entry
func (m *Manager) GetLogByID(ctx context.Context, id string) (*AuditLog, error) {
	return m.store.GetLogByID(ctx, id)
}

// PurgeLogs deletes entries older than olderThanDays. Zero or negative
// retention keeps everything.
func (m *Manager) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}

	count, err := m.store.PurgeLogs(ctx, olderThanDays)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted":        count,
			"retention_days": olderThanDays,
		}).Info("Purged expired audit logs")
	}
	return count, nil
}

// StartRetentionJob purges expired entries now and then once a day until
// ctx is cancelled.
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		m.logger.Info("Audit log retention disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()

		for {
			if _, err := m.PurgeLogs(ctx, retentionDays); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).Error("Audit log retention pass failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

var _ reconcile.Observer = (*Manager)(nil)
