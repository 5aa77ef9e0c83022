// Package scheduler runs cron-scheduled manifest probes and tool calls
// against the protocol client.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alexrt/internal/logging"

	"github.com/robfig/cron/v3"
)

// Config holds scheduler configuration.
type Config struct {
	Enabled           bool
	Triggers          []Trigger
	TriggerTimeout    time.Duration
	ConcurrencyPolicy string // skip (default) or delay
}

// Scheduler manages time-based triggers using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	executor Executor
	notifier Notifier
	config   Config
	logger   logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	triggers map[string]Trigger
	entryIDs map[string]cron.EntryID // trigger name → cron entry
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a new Scheduler. A nil notifier logs results.
func New(cfg Config, executor Executor, notifier Notifier, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Scheduler{
		cron:     newCron(cfg, logger),
		executor: executor,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		triggers: make(map[string]Trigger),
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newCron(cfg Config, logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	options := []cron.Option{cron.WithParser(parser)}
	policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy))
	var wrapper cron.JobWrapper
	switch policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("Scheduler: unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	options = append(options, cron.WithChain(wrapper))
	return cron.New(options...)
}

// ValidateSchedule reports whether expr parses with the scheduler's parser.
func ValidateSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start registers all triggers and starts the cron scheduler. It stops when
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, t := range s.config.Triggers {
		if err := s.registerTrigger(ctx, t); err != nil {
			s.logger.Warn("Scheduler: failed to register trigger %q: %v", t.Name, err)
		}
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started with %d triggers", len(s.entryIDs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully stops the scheduler, waiting for running triggers. Safe
// to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Scheduler stopping...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Scheduler stopped")
	})
}

// Done returns a channel that is closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// registerTrigger adds a single trigger to the cron scheduler.
// Must be called with s.mu held.
func (s *Scheduler) registerTrigger(ctx context.Context, trigger Trigger) error {
	if trigger.Name == "" {
		return fmt.Errorf("trigger has no name")
	}
	if _, exists := s.entryIDs[trigger.Name]; exists {
		return nil
	}
	if trigger.Schedule == "" {
		return fmt.Errorf("trigger %q has no schedule", trigger.Name)
	}
	if trigger.IsToolTrigger() && trigger.ServerID == "" {
		return fmt.Errorf("trigger %q calls %s without a server", trigger.Name, trigger.Tool)
	}

	t := trigger
	runCtx := context.WithoutCancel(ctx)
	entryID, err := s.cron.AddFunc(t.Schedule, func() {
		s.executeTrigger(runCtx, t)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", trigger.Name, err)
	}

	s.entryIDs[trigger.Name] = entryID
	s.triggers[trigger.Name] = trigger
	s.logger.Info("Scheduler: registered trigger %q (schedule=%s)", trigger.Name, trigger.Schedule)
	return nil
}

// RunNow executes the named configured trigger immediately, outside the
// cron schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Result, error) {
	for _, t := range s.config.Triggers {
		if t.Name == name {
			return s.executeTrigger(ctx, t), nil
		}
	}
	return Result{}, fmt.Errorf("unknown trigger %q", name)
}

// NextRun returns the next scheduled time of a registered trigger.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entryIDs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// TriggerCount returns the number of registered triggers.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// TriggerNames returns the names of all registered triggers, sorted.
func (s *Scheduler) TriggerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
