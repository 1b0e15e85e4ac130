package mesh

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// loggerFactory routes pion's internal logging through logrus so ICE/DTLS
// diagnostics end up in the same stream as ours.
type loggerFactory struct {
	log *logrus.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{entry: f.log.WithField("scope", scope)}
}

type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l leveledLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l leveledLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l leveledLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l leveledLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l leveledLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l leveledLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l leveledLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l leveledLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l leveledLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
