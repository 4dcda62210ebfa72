package badger

import (
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// dbLogger routes badger's internal printf-style logging through zap so the
// store logs alongside the rest of the relay.
type dbLogger struct {
	sugar *zap.SugaredLogger
}

var _ badgerdb.Logger = (*dbLogger)(nil)

func newDBLogger(l *zap.Logger) *dbLogger {
	return &dbLogger{sugar: l.Sugar()}
}

func (d *dbLogger) Errorf(format string, args ...interface{}) {
	d.sugar.Errorf(format, args...)
}

// Warningf satisfies badger's naming; zap calls the same level Warn.
func (d *dbLogger) Warningf(format string, args ...interface{}) {
	d.sugar.Warnf(format, args...)
}

func (d *dbLogger) Infof(format string, args ...interface{}) {
	d.sugar.Infof(format, args...)
}

func (d *dbLogger) Debugf(format string, args ...interface{}) {
	d.sugar.Debugf(format, args...)
}
