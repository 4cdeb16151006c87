package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/snapsync/snapsync/internal/record"
)

// kvDeleteChunk bounds the keys removed per atomic write so a large purge
// stays under the engine's transaction size.
const kvDeleteChunk = 1000

var pingKey = []byte("sys:ping")

// KVDriver implements Driver over an embedded key-value engine. Records live
// under "rec:<dataset>:<collection>:<key>", so a scope is one contiguous key
// range ordered by record key.
type KVDriver struct {
	name   string
	kv     kvEngine
	codec  Codec
	logger *logrus.Logger
}

// OpenPebble opens a Pebble-backed driver.
func OpenPebble(opts EngineOptions, codec Codec) (*KVDriver, error) {
	kv, err := openPebble(opts)
	if err != nil {
		return nil, err
	}
	return newKVDriver(BackendPebble, kv, codec, opts.logger()), nil
}

// OpenBadger opens a Badger-backed driver.
func OpenBadger(opts EngineOptions, codec Codec) (*KVDriver, error) {
	kv, err := openBadger(opts)
	if err != nil {
		return nil, err
	}
	return newKVDriver(BackendBadger, kv, codec, opts.logger()), nil
}

func newKVDriver(name string, kv kvEngine, codec Codec, logger *logrus.Logger) *KVDriver {
	return &KVDriver{name: name, kv: kv, codec: codec, logger: logger}
}

// ==================== Key Naming Scheme ====================

func recordPrefix(scope record.Scope) []byte {
	return []byte("rec:" + scope.Dataset + ":" + scope.Collection + ":")
}

func recordKey(scope record.Scope, key string) []byte {
	return append(recordPrefix(scope), key...)
}

func indexKey(scope record.Scope, field string) []byte {
	return []byte("idx:" + scope.Dataset + ":" + scope.Collection + ":" + field)
}

// indexMarker is persisted by EnsureUniqueIndex. Keys are unique by
// construction in a key-value engine; the marker records that the index was
// requested so restarts and reads observe it.
type indexMarker struct {
	Field     string    `json:"field"`
	Unique    bool      `json:"unique"`
	CreatedAt time.Time `json:"created_at"`
}

// Name returns the engine name.
func (d *KVDriver) Name() string { return d.name }

// DeleteWhereKeyNotIn walks the scope and removes every record not in keys.
func (d *KVDriver) DeleteWhereKeyNotIn(ctx context.Context, scope record.Scope, keys []string) (int64, error) {
	keep := keySet(keys)
	prefix := recordPrefix(scope)

	var doomed [][]byte
	err := d.kv.walk(ctx, prefix, func(k, _ []byte) error {
		if _, ok := keep[string(k[len(prefix):])]; !ok {
			doomed = append(doomed, bytes.Clone(k))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", scope, err)
	}

	var deleted int64
	for chunk := range slices.Chunk(doomed, kvDeleteChunk) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := d.kv.deleteAll(chunk); err != nil {
			return deleted, fmt.Errorf("delete from %s: %w", scope, err)
		}
		deleted += int64(len(chunk))
	}

	d.logger.WithFields(logrus.Fields{
		"engine":  d.name,
		"scope":   scope.String(),
		"deleted": deleted,
	}).Debug("Deleted records outside retention set")
	return deleted, nil
}

// EnsureUniqueIndex records the index marker if it does not exist yet.
func (d *KVDriver) EnsureUniqueIndex(ctx context.Context, scope record.Scope, field string) error {
	key := indexKey(scope, field)
	_, found, err := d.kv.get(key)
	if err != nil {
		return fmt.Errorf("read index marker: %w", err)
	}
	if found {
		return nil
	}

	data, err := json.Marshal(indexMarker{Field: field, Unique: true, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal index marker: %w", err)
	}
	if err := d.kv.put(key, data); err != nil {
		return fmt.Errorf("write index marker: %w", err)
	}
	return nil
}

// BulkUpsertUnordered writes every document independently; a failed write is
// reported and the remaining documents are still attempted.
func (d *KVDriver) BulkUpsertUnordered(ctx context.Context, scope record.Scope, docs []*record.Document) (*BulkResult, error) {
	result := &BulkResult{}
	for i, doc := range docs {
		err := ctx.Err()
		if err == nil {
			var data []byte
			if data, err = d.codec.Encode(doc); err == nil {
				err = d.kv.put(recordKey(scope, doc.Key), data)
			}
		}
		if err != nil {
			result.Errors = append(result.Errors, WriteError{Index: i, Key: doc.Key, Err: err})
			continue
		}
		result.Upserted++
	}
	return result, nil
}

// Find walks the scope in key order and stops once the limit is reached.
func (d *KVDriver) Find(ctx context.Context, scope record.Scope, opts FindOptions) ([]*record.Document, error) {
	var docs []*record.Document
	err := d.kv.walk(ctx, recordPrefix(scope), func(k, val []byte) error {
		doc, err := d.codec.Decode(val)
		if err != nil {
			return fmt.Errorf("record %q: %w", k, err)
		}
		if !matchesText(doc, opts.Text, opts.Fields) {
			return nil
		}
		docs = append(docs, doc)
		if opts.Limit > 0 && len(docs) >= opts.Limit {
			return errStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Ping performs a point read; a missing key is a healthy answer.
func (d *KVDriver) Ping(ctx context.Context) error {
	_, _, err := d.kv.get(pingKey)
	return err
}

// Close closes the underlying engine.
func (d *KVDriver) Close() error {
	return d.kv.Close()
}

var _ Driver = (*KVDriver)(nil)
