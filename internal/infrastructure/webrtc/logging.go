package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// pionLoggerFactory routes pion's ICE, DTLS and SRTP logs into zap. Each
// pion scope becomes a named child logger.
type pionLoggerFactory struct {
	logger *zap.SugaredLogger
}

func newPionLoggerFactory(logger *zap.SugaredLogger) logging.LoggerFactory {
	return pionLoggerFactory{logger: logger}
}

func (f pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{logger: f.logger.Named(scope)}
}

// pionLogger drops trace output; zap has no level below debug.
type pionLogger struct {
	logger *zap.SugaredLogger
}

func (l pionLogger) Trace(msg string)                          {}
func (l pionLogger) Tracef(format string, args ...interface{}) {}
func (l pionLogger) Debug(msg string)                          { l.logger.Debug(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l pionLogger) Info(msg string)                           { l.logger.Info(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.logger.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.logger.Error(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
