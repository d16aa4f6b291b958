// Package log bridges third-party loggers onto logrus and builds the
// process-wide logger used by the crawldb commands.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BadgerLogrusAdapter implements badger.Logger on top of a logrus entry.
// Badger reports every table open and compaction at info level; in quiet
// mode those are demoted to debug so cycle logs stay readable.
type BadgerLogrusAdapter struct {
	*logrus.Entry
	quiet bool
}

// NewBadgerLogrusAdapter creates an adapter that forwards levels unchanged.
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{Entry: entry}
}

// NewQuietBadgerAdapter creates an adapter that demotes badger info logs.
func NewQuietBadgerAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{Entry: entry, quiet: true}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{})   { l.Entry.Errorf(f, v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{})   { l.Entry.Debugf(f, v...) }

// Infof logs at info, or at debug in quiet mode.
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) {
	if l.quiet {
		l.Entry.Debugf(f, v...)
		return
	}
	l.Entry.Infof(f, v...)
}

// NewLogger builds the text logger used by the CLI. An unparsable level
// falls back to info and the parse error is returned for the caller to warn
// about; the logger is always usable.
func NewLogger(level string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		return logger, err
	}
	logger.SetLevel(parsed)
	return logger, nil
}
