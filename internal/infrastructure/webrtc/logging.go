package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// LoggerFactory routes pion's internal logging into zap. Pion's info level
// is chatty, so it is logged at debug.
type LoggerFactory struct {
	logger *zap.SugaredLogger
}

func NewLoggerFactory(logger *zap.SugaredLogger) *LoggerFactory {
	return &LoggerFactory{logger: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{l: f.logger.With("pion", scope)}
}

type leveledLogger struct {
	l *zap.SugaredLogger
}

func (l *leveledLogger) Trace(msg string)                          {}
func (l *leveledLogger) Tracef(format string, args ...interface{}) {}
func (l *leveledLogger) Debug(msg string)                          { l.l.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.l.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.l.Debug(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.l.Debugf(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.l.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.l.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.l.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.l.Errorf(format, args...) }
