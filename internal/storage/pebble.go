package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

const pebbleCacheSize = 64 << 20

// pebbleEngine stores records in a Pebble LSM tree.
type pebbleEngine struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	logger *logrus.Logger
	closed atomic.Bool
}

// openPebble opens (creating if needed) a Pebble engine at opts.Dir.
func openPebble(opts EngineOptions) (*pebbleEngine, error) {
	logger := opts.logger()
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble directory: %w", err)
	}

	cache := pebble.NewCache(pebbleCacheSize)
	defer cache.Unref()

	db, err := pebble.Open(opts.Dir, &pebble.Options{
		Cache:  cache,
		Logger: newEngineLog(logger, BackendPebble),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", opts.Dir, err)
	}

	wo := pebble.NoSync
	if opts.SyncWrites {
		wo = pebble.Sync
	}

	logger.WithFields(logrus.Fields{
		"path":        opts.Dir,
		"sync_writes": opts.SyncWrites,
	}).Info("Pebble record engine opened")
	return &pebbleEngine{db: db, wo: wo, logger: logger}, nil
}

// prefixUpperBound returns the smallest key sorting after every key that
// starts with prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for len(end) > 0 {
		if last := len(end) - 1; end[last] < 0xff {
			end[last]++
			return end
		}
		end = end[:len(end)-1]
	}
	return nil
}

func (e *pebbleEngine) get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrDriverClosed
	}
	val, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close() //nolint:errcheck
	return bytes.Clone(val), true, nil
}

func (e *pebbleEngine) put(key, val []byte) error {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	return e.db.Set(key, val, e.wo)
}

func (e *pebbleEngine) deleteAll(keys [][]byte) error {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	b := e.db.NewBatch()
	defer b.Close() //nolint:errcheck
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}
	return b.Commit(e.wo)
}

func (e *pebbleEngine) walk(ctx context.Context, prefix []byte, fn func(key, val []byte) error) (err error) {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer func() {
		if cerr := iter.Close(); err == nil {
			err = cerr
		}
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, errStopWalk) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

func (e *pebbleEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("Closing pebble record engine")
	return e.db.Close()
}

var _ kvEngine = (*pebbleEngine)(nil)
