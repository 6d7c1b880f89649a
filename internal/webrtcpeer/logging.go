package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion is very chatty at trace.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into log, tagged with the
// pion scope (ice, dtls, sctp, pc, ...).
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: log.With("component", "pion")}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{log: f.log.With("scope", scope)}
}

type scopedLogger struct {
	log *slog.Logger
}

func (l scopedLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l scopedLogger) Trace(msg string) { l.log.Log(context.Background(), levelTrace, msg) }
func (l scopedLogger) Tracef(format string, args ...any) {
	l.logf(levelTrace, format, args...)
}
func (l scopedLogger) Debug(msg string) { l.log.Debug(msg) }
func (l scopedLogger) Debugf(format string, args ...any) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l scopedLogger) Info(msg string) { l.log.Info(msg) }
func (l scopedLogger) Infof(format string, args ...any) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l scopedLogger) Warn(msg string) { l.log.Warn(msg) }
func (l scopedLogger) Warnf(format string, args ...any) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l scopedLogger) Error(msg string) { l.log.Error(msg) }
func (l scopedLogger) Errorf(format string, args ...any) {
	l.logf(slog.LevelError, format, args...)
}
