package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alexrt/internal/scheduler"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type triggerReport struct {
	Trigger    string `json:"trigger"`
	RanAt      string `json:"ranAt"`
	DurationMs int64  `json:"durationMs"`
	Servers    any    `json:"servers,omitempty"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newTriggerReport(r scheduler.Result) triggerReport {
	report := triggerReport{
		Trigger:    r.Trigger,
		RanAt:      r.RanAt.UTC().Format(time.RFC3339),
		DurationMs: r.Duration.Milliseconds(),
		Output:     r.Output,
	}
	if r.Servers != nil {
		report.Servers = r.Servers
	}
	if r.Err != nil {
		report.Error = r.Err.Error()
	}
	return report
}

func newMCPWatchCommand(a *app) *cobra.Command {
	var once string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the configured scheduler triggers",
		Long: "Run scheduler.triggers from the config file on their cron schedules until interrupted.\n" +
			"A trigger without a tool probes every enabled server; one with a tool calls it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if len(c.Config.Scheduler.Triggers) == 0 {
				return errors.New("no scheduler triggers configured")
			}

			var mu sync.Mutex
			notifier := scheduler.NotifierFunc(func(_ context.Context, r scheduler.Result) error {
				mu.Lock()
				defer mu.Unlock()
				return a.writeTriggerResult(r)
			})

			if once != "" {
				sched := c.NewScheduler(notifier)
				res, err := sched.RunNow(cmd.Context(), once)
				if err != nil {
					return err
				}
				if res.Err != nil {
					return &ExitCodeError{Code: exitToolFailed, Err: res.Err}
				}
				return nil
			}

			if !c.Config.Scheduler.Enabled {
				return errors.New("scheduler is disabled; set scheduler.enabled or use --once")
			}
			sched := c.NewScheduler(notifier)
			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			if !a.jsonOutput {
				for _, name := range sched.TriggerNames() {
					next, _ := sched.NextRun(name)
					fmt.Fprintf(a.stderr, "%s %s next run %s\n", cyan("•"), name, humanize.Time(next))
				}
			}
			<-sched.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&once, "once", "", "run the named trigger immediately and exit")
	return cmd
}

func (a *app) writeTriggerResult(r scheduler.Result) error {
	if a.jsonOutput {
		return writeJSON(a.stdout, newTriggerReport(r))
	}
	if r.Err != nil {
		_, err := fmt.Fprintf(a.stdout, "%s %s\n", red("✗"), r.Summary())
		return err
	}
	_, err := fmt.Fprintf(a.stdout, "%s %s\n", green("✓"), r.Summary())
	return err
}
