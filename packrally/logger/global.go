package logger

import (
	"log/slog"
	"time"
)

// LogQuery logs a store operation.
func LogQuery(operation string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("type", "db"),
		slog.String("operation", operation),
		slog.Duration("took", duration),
	}
	if err != nil {
		slog.Error("Store operation failed", append(attrs, slog.Any("error", err))...)
	} else {
		slog.Debug("Store operation executed", attrs...)
	}
}

// LogSystem logs a system event.
func LogSystem(msg string, attrs ...any) {
	baseAttrs := []any{slog.String("type", "sys")}
	slog.Info(msg, append(baseAttrs, attrs...)...)
}

// LogError logs an error event.
func LogError(msg string, err error, attrs ...any) {
	baseAttrs := []any{
		slog.String("type", "error"),
		slog.Any("error", err),
	}
	slog.Error(msg, append(baseAttrs, attrs...)...)
}
