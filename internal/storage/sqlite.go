package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapsync/snapsync/internal/record"
	_ "modernc.org/sqlite"
)

// SQLiteDriver implements Driver on a single SQLite table. Each record row
// holds the flattened document as JSON; (dataset, collection, key) is the
// primary key, so a scope maps to a key range of that index.
type SQLiteDriver struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// NewSQLiteDriver opens (or creates) the database at dbPath.
func NewSQLiteDriver(dbPath string, logger *logrus.Logger) (*SQLiteDriver, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY churn
	// between concurrent reconciliations.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	d := &SQLiteDriver{db: db, path: dbPath, logger: logger}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize record schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite record store initialized")
	return d, nil
}

// initSchema creates the records table if it doesn't exist
func (d *SQLiteDriver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		dataset TEXT NOT NULL,
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dataset, collection, key)
	);

	CREATE TABLE IF NOT EXISTS record_indexes (
		dataset TEXT NOT NULL,
		collection TEXT NOT NULL,
		field TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (dataset, collection, field)
	);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create record schema: %w", err)
	}
	return nil
}

// Name returns "sqlite".
func (d *SQLiteDriver) Name() string { return BackendSQLite }

// DeleteWhereKeyNotIn removes the scope's rows whose key is outside keys.
func (d *SQLiteDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal retention keys: %w", err)
	}

	res, err := d.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE dataset = ? AND collection = ?
		  AND key NOT IN (SELECT value FROM json_each(?))`,
		scope.Dataset, scope.Collection, string(keysJSON))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", scope, err)
	}
	return res.RowsAffected()
}

// EnsureUniqueIndex verifies the key uniqueness constraint and records that it
// was requested for the scope.
func (d *SQLiteDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	if field != record.FieldKey {
		return fmt.Errorf("%w: %s", ErrIndexField, field)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO record_indexes (dataset, collection, field, created_at)
		VALUES (?, ?, ?, ?)`,
		scope.Dataset, scope.Collection, field, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record index on %s: %w", scope, err)
	}
	return nil
}

// BulkUpsertUnordered upserts every document inside one transaction. A failing
// statement is rolled back on its own and the rest of the batch continues.
func (d *SQLiteDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (dataset, collection, key, doc, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dataset, collection, key)
		DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	result := &BulkResult{}
	for i, doc := range docs {
		data, err := json.Marshal(doc.Flatten())
		if err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		_, err = stmt.ExecContext(ctx, scope.Dataset, scope.Collection, doc.Key,
			string(data), doc.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return result, nil
}

// Find reads the scope ordered by key. SQLite's lower() folds ASCII only, so
// the text filter runs in process with matchesText and the SQL limit applies
// only to unfiltered reads.
func (d *SQLiteDriver) Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error) {
	query := `SELECT doc FROM records WHERE dataset = ? AND collection = ? ORDER BY key`
	args := []any{scope.Dataset, scope.Collection}
	if opts.Text == "" && opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", scope, err)
	}
	defer rows.Close()

	var docs []*record.Document
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		m, err := decodeJSONObject([]byte(data))
		if err != nil {
			return nil, err
		}
		doc, err := record.FromFlat(m)
		if err != nil {
			return nil, err
		}
		if !matchesText(doc, opts.Text, opts.Fields) {
			continue
		}
		docs = append(docs, doc)
		if opts.Limit > 0 && len(docs) >= opts.Limit {
			break
		}
	}
	return docs, rows.Err()
}

// Ping checks the database connection.
func (d *SQLiteDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *SQLiteDriver) Close() error {
	d.logger.Info("Closing SQLite record store")
	return d.db.Close()
}

var _ Driver = (*SQLiteDriver)(nil)
