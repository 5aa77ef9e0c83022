package logging

import "context"

type logIDKey struct{}

// ContextWithLogID stores logID for FromContext.
func ContextWithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logIDKey{}, logID)
}

// LogIDFromContext returns the log id stored in ctx, if any.
func LogIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(logIDKey{}).(string)
	return id
}

type logIDCapable interface {
	WithLogID(string) Logger
}

// WithLogID returns a logger that tags log lines with a log id.
func WithLogID(logger Logger, logID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if logID == "" {
		return logger
	}
	if capable, ok := logger.(logIDCapable); ok {
		return capable.WithLogID(logID)
	}
	return &logIDLogger{logger: logger, logID: logID}
}

// FromContext returns a logger tagged with the log id found in context, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	return WithLogID(logger, LogIDFromContext(ctx))
}

type logIDLogger struct {
	logger Logger
	logID  string
}

func (l *logIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixLogID(l.logID, format), args...)
}

func (l *logIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixLogID(l.logID, format), args...)
}

func prefixLogID(logID, format string) string {
	return "logid=" + logID + " " + format
}
