package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"alexrt/internal/logging"

	charmlog "github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured key/value logger. String values are redacted.
type Logger struct {
	logger *charmlog.Logger
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text, logfmt
	Output io.Writer
}

// NewLogger creates a new structured logger
func NewLogger(config LogConfig) *Logger {
	level, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(config.Level)))
	if err != nil || config.Level == "" {
		level = charmlog.InfoLevel
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	formatter := charmlog.TextFormatter
	switch strings.ToLower(config.Format) {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	}

	return &Logger{
		logger: charmlog.NewWithOptions(output, charmlog.Options{
			Level:           level,
			Formatter:       formatter,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		}),
	}
}

// WithContext adds the trace and session ids carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args, "trace_id", sc.TraceID().String())
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		args = append(args, "session_id", sessionID)
	}
	if logID := logging.LogIDFromContext(ctx); logID != "" {
		args = append(args, "log_id", logID)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

// With adds additional fields to the logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(redactArgs(args)...)}
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(logging.Redact(msg), redactArgs(args)...)
}

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(logging.Redact(msg), redactArgs(args)...)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(logging.Redact(msg), redactArgs(args)...)
}

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(logging.Redact(msg), redactArgs(args)...)
}

// InfoContext logs at info level with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// Printf adapts the logger to the printf contract used by components.
func (l *Logger) Printf(component string) logging.Logger {
	return logging.FromCharm(l.logger.WithPrefix(component))
}

func redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok && i%2 == 1 {
			key, _ := args[i-1].(string)
			if isSecretKey(key) {
				out[i] = logging.Placeholder
				continue
			}
			out[i] = logging.Redact(s)
			continue
		}
		out[i] = arg
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "password", "bearer", "api_key", "apikey"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// SanitizeAPIKey masks API key for security
func SanitizeAPIKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

type contextKey string

const sessionIDKey contextKey = "session_id"

// ContextWithSessionID adds session ID to context
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext extracts session ID from context
func SessionIDFromContext(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}
