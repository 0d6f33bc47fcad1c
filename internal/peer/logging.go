package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug; pion's trace output is only visible
// when the handler is configured for it.
const LevelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory returns a pion LoggerFactory writing through log, one
// "scope" attribute per pion subsystem.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l leveledLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) {
	l.emit(LevelTrace, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
