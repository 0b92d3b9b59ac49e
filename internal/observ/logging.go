// Package observ is the ambient logging and metrics surface shared by every
// component in the decision pipeline. It is intentionally small: a thin,
// call-compatible wrapper so that brains, the FSM, the watchdog, and the
// gatekeeper can all log and record metrics the same way without importing
// zap or prometheus directly.
package observ

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   = mustDefault()
)

func mustDefault() *zap.Logger {
	level := zapcore.InfoLevel
	if os.Getenv("REGIME_CORE_DEBUG") != "" {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the package logger. Used by cmd/* composition roots to
// install a logger configured from internal/config, and by tests that want
// an observed core (zaptest/zapobserver).
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// L returns the current package logger.
func L() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Log emits a structured info-level event with a free-form key/value map,
// preserving the call shape every component in this repo uses so a reviewer
// never has to special-case a logging call site.
func Log(event string, kv map[string]any) {
	L().Info(event, kvFields(kv)...)
}

// Warn emits a structured warning-level event.
func Warn(event string, kv map[string]any) {
	L().Warn(event, kvFields(kv)...)
}

// Error emits a structured error-level event.
func Error(event string, err error, kv map[string]any) {
	fields := kvFields(kv)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	L().Error(event, fields...)
}

func kvFields(kv map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Sync flushes the logger; call from main before process exit.
func Sync() {
	_ = L().Sync()
}
