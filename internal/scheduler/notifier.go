package scheduler

import (
	"context"

	"alexrt/internal/logging"
)

// Notifier receives trigger results.
type Notifier interface {
	Notify(ctx context.Context, result Result) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, result Result) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, result Result) error {
	return f(ctx, result)
}

// LogNotifier writes each result summary to a logger.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify logs failures at warn level and everything else at info.
func (n *LogNotifier) Notify(_ context.Context, result Result) error {
	if result.Err != nil {
		n.logger.Warn("%s", result.Summary())
		return nil
	}
	n.logger.Info("%s", result.Summary())
	return nil
}

// NopNotifier is a no-op notifier for testing or when notifications are disabled.
type NopNotifier struct{}

// Notify is a no-op.
func (NopNotifier) Notify(context.Context, Result) error {
	return nil
}
