package store

import "github.com/sirupsen/logrus"

// badgerLogger routes badger's internal logging into logrus. Badger is chatty
// at Info level (compactions, table flushes), so Info is demoted to Debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{entry: logrus.WithField("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}
