// Package logging provides structured component logging for swarm processes.
//
// Every event carries a component name and an event name; worker and run
// identifiers are attached when known. Output is JSON on stderr.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu sync.RWMutex
	base   *zap.Logger = newBase(zapcore.InfoLevel)
)

// Logger is a component-scoped logger.
type Logger struct {
	z         *zap.Logger
	component string
	worker    string
}

func newBase(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "event"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core)
}

// ParseLevel maps a level name to a zap level. Unknown names mean info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel replaces the process-wide base logger. Loggers created before the
// call keep the old level.
func SetLevel(name string) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = newBase(ParseLevel(name))
}

// SetCore routes all subsequently created loggers to core. Used by tests.
func SetCore(core zapcore.Core) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = zap.New(core)
}

// Sync flushes the base logger.
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

// New creates a logger for a component.
func New(component string) *Logger {
	baseMu.RLock()
	z := base
	baseMu.RUnlock()
	return &Logger{
		z:         z.With(zap.String("component", component)),
		component: component,
	}
}

// NewWithCore creates a logger for a component writing to core.
func NewWithCore(component string, core zapcore.Core) *Logger {
	return &Logger{
		z:         zap.New(core).With(zap.String("component", component)),
		component: component,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// WithWorker sets the worker context.
func (l *Logger) WithWorker(worker string) *Logger {
	return &Logger{
		z:         l.z.With(zap.String("worker", worker)),
		component: l.component,
		worker:    worker,
	}
}

// With returns a logger carrying extra fields on every event.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...), component: l.component, worker: l.worker}
}

// Component returns the component name.
func (l *Logger) Component() string { return l.component }

// Worker returns the worker name, if any.
func (l *Logger) Worker() string { return l.worker }

// Debug logs a debug event
func (l *Logger) Debug(event string, fields ...zap.Field) {
	l.z.Debug(event, fields...)
}

// Info logs an info event
func (l *Logger) Info(event string, fields ...zap.Field) {
	l.z.Info(event, fields...)
}

// Warn logs a warning event. err may be nil.
func (l *Logger) Warn(event string, err error, fields ...zap.Field) {
	l.z.Warn(event, withErr(err, fields)...)
}

// Error logs an error event. err may be nil.
func (l *Logger) Error(event string, err error, fields ...zap.Field) {
	l.z.Error(event, withErr(err, fields)...)
}

// TimedEvent logs an info event with duration_ms measured from start.
func (l *Logger) TimedEvent(event string, start time.Time, fields ...zap.Field) {
	fields = append(fields, zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	l.z.Info(event, fields...)
}

func withErr(err error, fields []zap.Field) []zap.Field {
	if err == nil {
		return fields
	}
	return append(fields, zap.Error(err))
}
