package storage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// errStopWalk ends a walk early without failing it.
var errStopWalk = errors.New("stop walk")

// kvEngine is the ordered embedded key-value engine under KVDriver.
// Badger and Pebble both sort keys bytewise, so a scope is one contiguous
// prefix range.
type kvEngine interface {
	get(key []byte) (val []byte, found bool, err error)
	put(key, val []byte) error

	// deleteAll removes keys in a single atomic write.
	deleteAll(keys [][]byte) error

	// walk visits every key carrying prefix in ascending order. The slices
	// handed to fn are only valid until fn returns.
	walk(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error

	Close() error
}

// EngineOptions configures an embedded key-value engine.
type EngineOptions struct {
	Dir        string
	SyncWrites bool
	InMemory   bool // badger only
	Logger     *logrus.Logger
}

func (o *EngineOptions) logger() *logrus.Logger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// engineLog forwards engine diagnostics to logrus. It satisfies both
// badger.Logger and pebble.Logger; engine chatter is demoted one level.
type engineLog struct {
	entry *logrus.Entry
}

func newEngineLog(logger *logrus.Logger, engine string) engineLog {
	return engineLog{entry: logger.WithField("engine", engine)}
}

func (l engineLog) Errorf(format string, args ...interface{})   { l.entry.Errorf(format, args...) }
func (l engineLog) Warningf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l engineLog) Infof(format string, args ...interface{})    { l.entry.Debugf(format, args...) }
func (l engineLog) Debugf(format string, args ...interface{})   { l.entry.Tracef(format, args...) }
func (l engineLog) Fatalf(format string, args ...interface{})   { l.entry.Fatalf(format, args...) }
