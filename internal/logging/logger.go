package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Config selects the process-wide backend settings.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json, logfmt
	Output io.Writer
}

var (
	rootMu sync.RWMutex
	root   = newBackend(Config{Level: os.Getenv("ALEXRT_LOG_LEVEL")})
)

func newBackend(cfg Config) *charmlog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = charmlog.InfoLevel
	}
	formatter := charmlog.TextFormatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	}
	return charmlog.NewWithOptions(out, charmlog.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
}

// Configure replaces the backend used by component loggers created afterwards.
func Configure(cfg Config) {
	backend := newBackend(cfg)
	rootMu.Lock()
	root = backend
	rootMu.Unlock()
}

// Backend returns the current charm logger.
func Backend() *charmlog.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return FromCharm(Backend().WithPrefix(component))
}

// FromCharm adapts a charm logger to the printf contract. Messages are
// redacted before they are emitted.
func FromCharm(logger *charmlog.Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return &charmLogger{logger: logger}
}

type charmLogger struct {
	logger *charmlog.Logger
}

func (l *charmLogger) Debug(format string, args ...any) {
	if l.logger.GetLevel() > charmlog.DebugLevel {
		return
	}
	l.logger.Debug(Redact(fmt.Sprintf(format, args...)))
}

func (l *charmLogger) Info(format string, args ...any) {
	l.logger.Info(Redact(fmt.Sprintf(format, args...)))
}

func (l *charmLogger) Warn(format string, args ...any) {
	l.logger.Warn(Redact(fmt.Sprintf(format, args...)))
}

func (l *charmLogger) Error(format string, args ...any) {
	l.logger.Error(Redact(fmt.Sprintf(format, args...)))
}

// WithLogID implements logID tagging natively through charm key/values.
func (l *charmLogger) WithLogID(logID string) Logger {
	return &charmLogger{logger: l.logger.With("log_id", logID)}
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
