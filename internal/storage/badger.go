package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	badgerGCInterval     = 5 * time.Minute
	badgerGCDiscardRatio = 0.5
)

// badgerEngine stores records in BadgerDB. Only the latest version of a key
// is kept since reconciliation never reads history.
type badgerEngine struct {
	db     *badger.DB
	logger *logrus.Logger
	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// openBadger opens a BadgerDB engine at opts.Dir, or purely in memory.
func openBadger(opts EngineOptions) (*badgerEngine, error) {
	logger := opts.logger()

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.
		WithLogger(newEngineLog(logger, BackendBadger)).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithBlockCacheSize(64 << 20)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.Dir, err)
	}

	e := &badgerEngine{db: db, logger: logger, stop: make(chan struct{})}
	if !opts.InMemory {
		e.wg.Add(1)
		go e.collectGarbage()
	}

	logger.WithFields(logrus.Fields{
		"path":      opts.Dir,
		"in_memory": opts.InMemory,
	}).Info("Badger record engine opened")
	return e, nil
}

func (e *badgerEngine) get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrDriverClosed
	}
	var val []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return val, true, nil
}

func (e *badgerEngine) put(key, val []byte) error {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (e *badgerEngine) deleteAll(keys [][]byte) error {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		return nil
	})
}

func (e *badgerEngine) walk(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	if e.closed.Load() {
		return ErrDriverClosed
	}
	err := e.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func (e *badgerEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("Closing badger record engine")
	return e.db.Close()
}

// collectGarbage rewrites value-log files until nothing is left to reclaim,
// once per interval.
func (e *badgerEngine) collectGarbage() {
	defer e.wg.Done()
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			for {
				err := e.db.RunValueLogGC(badgerGCDiscardRatio)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					e.logger.WithError(err).Warn("Badger value log GC failed")
					break
				}
			}
		}
	}
}

var _ kvEngine = (*badgerEngine)(nil)
