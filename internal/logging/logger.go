// Package logging provides the structured logger facade used across the
// Hub, peer sessions and registry. It mirrors the teacher's
// definition.DefaultLogger method surface but backs it with logrus, so a
// caller can attach structured fields (service, peer, seq) through
// WithFields.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithFields returns a derived Logger that always includes the given
	// fields, e.g. a session's "service"/"peer" pair.
	WithFields(fields Fields) Logger
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// logrusLogger adapts *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the default Logger, writing to stderr at info level with the
// text formatter, matching the teacher's NewDefaultLogger default output.
func New() Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

// NewWithLevel builds a Logger at the given logrus level, enabling Debugf
// output only when level is logrus.DebugLevel or finer.
func NewWithLevel(level logrus.Level) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(level)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
