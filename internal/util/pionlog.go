package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal loggers into the pterm logger.
// pion is chatty at info level, so trace, debug and info all map to debug.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger returns a logger that prefixes every line with the pion scope.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) line(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

// debugf formats only when debug output is on; pion logs per packet.
func (l *pionLogger) debugf(format string, args ...interface{}) {
	if DebugEnabled() {
		LogDebug("%s", l.line(fmt.Sprintf(format, args...)))
	}
}

func (l *pionLogger) Trace(msg string)                          { l.debugf("%s", msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.debugf("%s", msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.debugf("%s", msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.debugf(format, args...) }

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.line(msg)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.line(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.line(msg)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.line(fmt.Sprintf(format, args...)))
}
