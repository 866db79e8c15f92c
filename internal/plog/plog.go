// Package plog is PETRA's structured logging wrapper. It keeps the
// call-shape the rest of this codebase expects from a subsystem logger
// (Debugf/Infof/Warnf/Errorf/Fatalf with a "[SUBSYSTEM]" prefix) while
// delegating to a real structured backend instead of the standard
// library's log package.
package plog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	base   *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	base = buildLogger(level)
}

func buildLogger(lvl zap.AtomicLevel) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetLevel adjusts the global minimum log level. Accepted values mirror
// zap's own vocabulary: "debug", "info", "warn", "error".
func SetLevel(lvl string) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(lvl)); err != nil {
		zl = zap.InfoLevel
	}
	level.SetLevel(zl)
}

// Logger is a subsystem-scoped logger: every call site gets its own
// "[SUBSYSTEM]" tag.
type Logger struct {
	tag string
}

// For returns a Logger tagged with the given subsystem name, rendered as
// "[NAME]" at the front of every message, matching the convention used
// throughout this codebase's ancestor for grep-ability.
func For(subsystem string) *Logger {
	return &Logger{tag: "[" + subsystem + "]"}
}

func (l *Logger) sugared() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func (l *Logger) Debugf(format string, args ...any) {
	l.sugared().Debugf(l.tag+"> "+format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.sugared().Infof(l.tag+"> "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.sugared().Warnf(l.tag+"> "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.sugared().Errorf(l.tag+"> "+format, args...)
}

// Fatalf logs at fatal level and terminates the process with exit code 1,
// matching cclog.Fatal's use for unrecoverable startup failures.
func (l *Logger) Fatalf(format string, args ...any) {
	l.sugared().Fatalf(l.tag+"> "+format, args...)
}

// Sync flushes any buffered log entries. Call during graceful shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}
