// Package logtrace is the structured logging facade used across the node.
// It wraps a process-wide zap logger and enriches every line with the
// correlation id carried in the context.
package logtrace

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// CorrelationIDKey is the context key holding the correlation id.
const CorrelationIDKey contextKey = "correlation_id"

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Setup initializes the process-wide logger. env "dev" selects a console
// encoder, anything else a JSON production encoder.
func Setup(service, env string, level slog.Level) {
	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(env), "dev") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(2), zap.Fields(zap.String("service", service)))
	if err != nil {
		return
	}

	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLogger replaces the process-wide logger. Used by tests to capture output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	_ = l.Sync()
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// CtxWithCorrelationID returns a context carrying the given correlation id.
func CtxWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func extractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// Debug logs a debug message.
func Debug(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.DebugLevel, message, fields)
}

// Info logs an informational message.
func Info(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.InfoLevel, message, fields)
}

// Warn logs a warning message.
func Warn(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.WarnLevel, message, fields)
}

// Error logs an error message.
func Error(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.ErrorLevel, message, fields)
}

func write(ctx context.Context, level zapcore.Level, message string, fields Fields) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	if ce := l.Check(level, message); ce != nil {
		zf := make([]zap.Field, 0, len(fields)+1)
		if cid := extractCorrelationID(ctx); cid != "unknown" {
			zf = append(zf, zap.String(FieldCorrelationID, cid))
		}
		for k, v := range fields {
			zf = append(zf, zap.Any(k, v))
		}
		ce.Write(zf...)
	}
}
