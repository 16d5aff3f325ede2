package logtable

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with logtable-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTopic adds a topic field to the logger.
func (l *Logger) WithTopic(topic string) *Logger {
	return &Logger{
		Logger: l.Logger.With("topic", topic),
	}
}

// WithColumn adds a column field to the logger.
func (l *Logger) WithColumn(col int) *Logger {
	return &Logger{
		Logger: l.Logger.With("column", col),
	}
}

// LogWrite logs a batch write.
func (l *Logger) LogWrite(topic string, appended, elided int, err error) {
	if err != nil {
		l.Error("write failed",
			"topic", topic,
			"appended", appended,
			"error", err,
		)
	} else {
		l.Debug("write completed",
			"topic", topic,
			"appended", appended,
			"elided", elided,
		)
	}
}

// LogRead logs a point read.
func (l *Logger) LogRead(topic string, hit, found bool, err error) {
	if err != nil {
		l.Error("read failed",
			"topic", topic,
			"error", err,
		)
	} else {
		l.Debug("read completed",
			"topic", topic,
			"cache_hit", hit,
			"found", found,
		)
	}
}

// LogRemove logs a remove.
func (l *Logger) LogRemove(topic string, count int, err error) {
	if err != nil {
		l.Error("remove failed",
			"topic", topic,
			"count", count,
			"error", err,
		)
	} else {
		l.Debug("remove completed",
			"topic", topic,
			"count", count,
		)
	}
}

// LogLoad logs a startup index load.
func (l *Logger) LogLoad(topic string, records int, elapsed time.Duration, err error) {
	if err != nil {
		l.Error("index load failed",
			"topic", topic,
			"error", err,
		)
	} else {
		l.Info("index load completed",
			"topic", topic,
			"records", records,
			"elapsed", elapsed,
		)
	}
}
