package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Supported storage backends
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Options selects and configures the storage backend.
type Options struct {
	Backend    string
	DataDir    string
	Encoding   string // json or cbor, key-value backends only
	SyncWrites bool

	SQLitePath  string // defaults to DataDir/records.db
	PostgresDSN string
	MongoURI    string
	Timeout     time.Duration

	Logger *logrus.Logger
}

// Open creates the Driver named by opts.Backend.
func Open(ctx context.Context, opts Options) (Driver, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	switch opts.Backend {
	case BackendMemory:
		return NewMemoryDriver(), nil

	case BackendPebble, "":
		codec, err := NewCodec(opts.Encoding)
		if err != nil {
			return nil, err
		}
		return OpenPebble(opts.engineOptions(), codec)

	case BackendBadger:
		codec, err := NewCodec(opts.Encoding)
		if err != nil {
			return nil, err
		}
		return OpenBadger(opts.engineOptions(), codec)

	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, "records.db")
		}
		return NewSQLiteDriver(path, opts.Logger)

	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
		ctx, cancel := withTimeout(ctx, opts.Timeout)
		defer cancel()
		return NewPostgresDriver(ctx, PostgresOptions{
			DSN:             opts.PostgresDSN,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Logger:          opts.Logger,
		})

	case BackendMongo:
		if opts.MongoURI == "" {
			return nil, fmt.Errorf("storage.mongo_uri is required for the mongo backend")
		}
		return NewMongoDriver(ctx, MongoOptions{
			URI:            opts.MongoURI,
			ConnectTimeout: opts.Timeout,
			Logger:         opts.Logger,
		})

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

func (o Options) engineOptions() EngineOptions {
	return EngineOptions{
		Dir:        filepath.Join(o.DataDir, "records"),
		SyncWrites: o.SyncWrites,
		Logger:     o.Logger,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
