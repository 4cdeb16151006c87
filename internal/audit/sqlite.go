package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrLogNotFound is returned by GetLogByID for unknown ids
var ErrLogNotFound = errors.New("audit log not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite-based audit log store
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Audit store opened")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reconcile_audit (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		request_id TEXT,
		event_type TEXT NOT NULL,
		source TEXT,
		dataset TEXT NOT NULL,
		collection TEXT NOT NULL,
		key_field TEXT,
		status TEXT NOT NULL,
		received INTEGER NOT NULL DEFAULT 0,
		upserted INTEGER NOT NULL DEFAULT 0,
		retained INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconcile_audit_timestamp ON reconcile_audit(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_reconcile_audit_scope ON reconcile_audit(dataset, collection);
	CREATE INDEX IF NOT EXISTS idx_reconcile_audit_status ON reconcile_audit(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// LogEvent records an audit event and returns its id
func (s *SQLiteStore) LogEvent(ctx context.Context, event *AuditEvent) (string, error) {
	id := uuid.New().String()
	now := s.now().UnixMilli()

	detailsJSON := "{}"
	if len(event.Details) > 0 {
		detailsBytes, err := json.Marshal(event.Details)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to marshal audit event details to JSON")
		} else {
			detailsJSON = string(detailsBytes)
		}
	}

	query := `
		INSERT INTO reconcile_audit (
			id, timestamp, request_id, event_type, source, dataset, collection,
			key_field, status, received, upserted, retained, deleted, skipped,
			failed, error, duration_ms, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		id,
		now,
		event.RequestID,
		event.EventType,
		event.Source,
		event.Dataset,
		event.Collection,
		event.KeyField,
		event.Status,
		event.Received,
		event.Upserted,
		event.Retained,
		event.Deleted,
		event.Skipped,
		event.Failed,
		event.Error,
		event.DurationMs,
		detailsJSON,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert audit log: %w", err)
	}

	return id, nil
}

const selectColumns = `
	SELECT id, timestamp, request_id, event_type, source, dataset, collection,
	       key_field, status, received, upserted, retained, deleted, skipped,
	       failed, error, duration_ms, details
	FROM reconcile_audit`

// GetLogs retrieves audit logs newest first
func (s *SQLiteStore) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error) {
	whereClause, args := s.buildWhereClause(filters)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM reconcile_audit %s", whereClause)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`%s %s
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, selectColumns, whereClause)

	args = append(args, filters.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*AuditLog, 0)
	for rows.Next() {
		log, err := s.scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, total, nil
}

// GetLogByID retrieves a single log entry
func (s *SQLiteStore) GetLogByID(ctx context.Context, id string) (*AuditLog, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)

	log, err := s.scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// PurgeLogs deletes logs older than specified days
func (s *SQLiteStore) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -olderThanDays).UnixMilli()

	result, err := s.db.ExecContext(ctx, "DELETE FROM reconcile_audit WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old audit logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}

	return int(deleted), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) buildWhereClause(filters *AuditLogFilters) (string, []interface{}) {
	clauses := []struct {
		expr  string
		value interface{}
		set   bool
	}{
		{"dataset = ?", filters.Dataset, filters.Dataset != ""},
		{"collection = ?", filters.Collection, filters.Collection != ""},
		{"event_type = ?", filters.EventType, filters.EventType != ""},
		{"status = ?", filters.Status, filters.Status != ""},
		{"timestamp >= ?", filters.StartDate, filters.StartDate > 0},
		{"timestamp <= ?", filters.EndDate, filters.EndDate > 0},
	}

	var conditions []string
	var args []interface{}
	for _, c := range clauses {
		if c.set {
			conditions = append(conditions, c.expr)
			args = append(args, c.value)
		}
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanLog(row rowScanner) (*AuditLog, error) {
	log := &AuditLog{}
	var requestID, source, keyField, errText, detailsJSON sql.NullString

	err := row.Scan(
		&log.ID,
		&log.Timestamp,
		&requestID,
		&log.EventType,
		&source,
		&log.Dataset,
		&log.Collection,
		&keyField,
		&log.Status,
		&log.Received,
		&log.Upserted,
		&log.Retained,
		&log.Deleted,
		&log.Skipped,
		&log.Failed,
		&errText,
		&log.DurationMs,
		&detailsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	log.RequestID = requestID.String
	log.Source = source.String
	log.KeyField = keyField.String
	log.Error = errText.String

	if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(detailsJSON.String), &details); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal audit log details")
		} else {
			log.Details = details
		}
	}

	return log, nil
}

var _ Store = (*SQLiteStore)(nil)
