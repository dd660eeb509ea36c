package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log   = newSugared()
)

func newSugared() *zap.SugaredLogger {
	config := zap.NewProductionConfig()
	config.Level = level
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.DisableStacktrace = true

	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// SetDebug enables or disables debug logging
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// SetLevelFromEnv applies LOG_LEVEL when it names a valid zap level
func SetLevelFromEnv() {
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if l, err := zapcore.ParseLevel(raw); err == nil {
			level.SetLevel(l)
		}
	}
}

// Replace swaps the underlying logger. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debug logs a debug-level message
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Info logs an info-level message
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Warn logs a warning-level message
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Error logs an error-level message
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// With returns a structured logger carrying the given key/value pairs
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return current().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(keysAndValues...)
}

func Sync() error {
	return current().Sync()
}
