package scheduler

import (
	"context"
	"fmt"
	"time"

	"alexrt/internal/mcp"
)

// Executor is the subset of the protocol client the scheduler drives.
type Executor interface {
	Probe(ctx context.Context) ([]mcp.ServerStatus, error)
	CallToolOnce(ctx context.Context, params mcp.ToolCallParams) (any, error)
}

// Result describes one trigger execution.
type Result struct {
	Trigger  string
	RanAt    time.Time
	Duration time.Duration
	// Servers is set by probe triggers.
	Servers []mcp.ServerStatus
	// Output is set by tool triggers.
	Output any
	Err    error
}

// Summary is a one-line human-readable description of r.
func (r Result) Summary() string {
	if r.Err != nil {
		return fmt.Sprintf("trigger %q failed after %s: %v", r.Trigger, r.Duration, r.Err)
	}
	if r.Servers != nil {
		connected := 0
		for _, s := range r.Servers {
			if s.Status == mcp.StatusConnected {
				connected++
			}
		}
		return fmt.Sprintf("trigger %q probed %d servers, %d connected", r.Trigger, len(r.Servers), connected)
	}
	return fmt.Sprintf("trigger %q completed in %s", r.Trigger, r.Duration)
}

// executeTrigger runs one trigger and routes the result to the notifier.
func (s *Scheduler) executeTrigger(ctx context.Context, trigger Trigger) Result {
	s.logger.Info("Scheduler: executing trigger %q (schedule=%s)", trigger.Name, trigger.Schedule)

	taskCtx := ctx
	if s.config.TriggerTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.config.TriggerTimeout)
		defer cancel()
	}

	start := s.now()
	res := Result{Trigger: trigger.Name, RanAt: start}
	if trigger.IsToolTrigger() {
		args := any(trigger.Args)
		if trigger.Args == nil {
			args = map[string]any{}
		}
		res.Output, res.Err = s.executor.CallToolOnce(taskCtx, mcp.ToolCallParams{
			ServerID:  trigger.ServerID,
			Tool:      trigger.Tool,
			Args:      args,
			TimeoutMs: s.config.TriggerTimeout.Milliseconds(),
		})
	} else {
		res.Servers, res.Err = s.executor.Probe(taskCtx)
	}
	res.Duration = s.now().Sub(start)

	if err := s.notifier.Notify(ctx, res); err != nil {
		s.logger.Warn("Scheduler: failed to deliver result for %q: %v", trigger.Name, err)
	}
	return res
}
