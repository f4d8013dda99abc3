// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger wraps log/slog for the cache and silent flow. A nil *Logger is valid and
// discards everything.
package logger

import (
	"context"
	"io"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// Logger writes structured entries through a *slog.Logger.
type Logger struct {
	logging *slog.Logger
}

// New creates a Logger. If slogLogger is nil, entries are discarded.
func New(slogLogger *slog.Logger) *Logger {
	if slogLogger == nil {
		slogLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{logging: slogLogger}
}

// Log writes message at level with the given fields.
func (l *Logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if l == nil || l.logging == nil {
		return
	}
	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.logging.Log(ctx, slogLevel, message, fields...)
}

// Field creates a slog field for any value.
func Field(key string, value any) any {
	return slog.Any(key, value)
}
