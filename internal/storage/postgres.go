package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapsync/snapsync/internal/record"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// recordRow is the PostgreSQL representation of a document.
type recordRow struct {
	Dataset    string    `gorm:"primaryKey;size:64"`
	Collection string    `gorm:"primaryKey;size:64"`
	Key        string    `gorm:"primaryKey"`
	Doc        string    `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime:false;not null"`
}

func (recordRow) TableName() string { return "snapsync_records" }

// indexRow records a requested unique index per scope.
type indexRow struct {
	Dataset    string `gorm:"primaryKey;size:64"`
	Collection string `gorm:"primaryKey;size:64"`
	Field      string `gorm:"primaryKey"`
	CreatedAt  time.Time
}

func (indexRow) TableName() string { return "snapsync_record_indexes" }

// PostgresDriver implements Driver on PostgreSQL through GORM. Documents are
// stored as jsonb, keyed by (dataset, collection, key).
type PostgresDriver struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// PostgresOptions configures the PostgreSQL backend.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          *logrus.Logger
}

// NewPostgresDriver connects to PostgreSQL and migrates the record tables.
func NewPostgresDriver(ctx context.Context, opts PostgresOptions) (*PostgresDriver, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: gormlogger.New(opts.Logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.WithContext(ctx).AutoMigrate(&recordRow{}, &indexRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate record schema: %w", err)
	}

	opts.Logger.Info("PostgreSQL record store initialized")
	return &PostgresDriver{db: db, logger: opts.Logger}, nil
}

// Name returns "postgres".
func (d *PostgresDriver) Name() string { return BackendPostgres }

func (d *PostgresDriver) scoped(ctx context.Context, scope record.Scope) *gorm.DB {
	return d.db.WithContext(ctx).Where("dataset = ? AND collection = ?", scope.Dataset, scope.Collection)
}

// DeleteWhereKeyNotIn removes the scope's rows whose key is outside keys.
// NOT IN over an empty list is spelled as an unconditional scope delete.
func (d *PostgresDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	q := d.scoped(ctx, scope)
	if len(keys) > 0 {
		keysJSON, err := json.Marshal(keys)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal retention keys: %w", err)
		}
		q = q.Where("key NOT IN (SELECT jsonb_array_elements_text(?::jsonb))", string(keysJSON))
	}
	res := q.Delete(&recordRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete from %s: %w", scope, res.Error)
	}
	return res.RowsAffected, nil
}

// EnsureUniqueIndex records the index request; the primary key enforces
// uniqueness of the record key.
func (d *PostgresDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	if field != record.FieldKey {
		return fmt.Errorf("%w: %s", ErrIndexField, field)
	}
	row := &indexRow{
		Dataset:    scope.Dataset,
		Collection: scope.Collection,
		Field:      field,
		CreatedAt:  time.Now().UTC(),
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
	if err != nil {
		return fmt.Errorf("record index on %s: %w", scope, err)
	}
	return nil
}

// BulkUpsertUnordered issues one INSERT ... ON CONFLICT per document, each in
// its own implicit transaction, so a failure does not abort the others.
func (d *PostgresDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error) {
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "dataset"}, {Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"doc", "updated_at"}),
	}

	result := &BulkResult{}
	for i, doc := range docs {
		data, err := json.Marshal(doc.Flatten())
		if err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		row := &recordRow{
			Dataset:    scope.Dataset,
			Collection: scope.Collection,
			Key:        doc.Key,
			Doc:        string(data),
			UpdatedAt:  doc.UpdatedAt.UTC(),
		}
		if err := d.db.WithContext(ctx).Clauses(upsert).Create(row).Error; err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		result.Upserted++
	}
	return result, nil
}

// Find reads the scope ordered by key.
func (d *PostgresDriver) Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error) {
	q := d.scoped(ctx, scope).Order(`key COLLATE "C"`)

	if opts.Text != "" {
		pattern := "%" + escapeLike(opts.Text) + "%"
		fields := opts.Fields
		if len(fields) == 0 {
			fields = []string{record.FieldKey}
		}
		var (
			clauses []string
			args    []any
		)
		for _, field := range fields {
			if field == record.FieldKey {
				clauses = append(clauses, "key ILIKE ?")
				args = append(args, pattern)
				continue
			}
			clauses = append(clauses, "doc->>? ILIKE ?")
			args = append(args, field, pattern)
		}
		q = q.Where("("+strings.Join(clauses, " OR ")+")", args...)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []recordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", scope, err)
	}

	docs := make([]*record.Document, 0, len(rows))
	for _, row := range rows {
		m, err := decodeJSONObject([]byte(row.Doc))
		if err != nil {
			return nil, err
		}
		doc, err := record.FromFlat(m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Ping checks the database connection.
func (d *PostgresDriver) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *PostgresDriver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	d.logger.Info("Closing PostgreSQL record store")
	return sqlDB.Close()
}

// escapeLike escapes LIKE wildcards so the text filter is a plain substring.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Driver = (*PostgresDriver)(nil)
