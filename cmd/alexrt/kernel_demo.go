package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"alexrt/internal/cancel"
	"alexrt/internal/config"
	"alexrt/internal/di"
	"alexrt/internal/host"
	"alexrt/internal/kernel"
	"alexrt/internal/logging"
	"alexrt/internal/mcp"

	"github.com/dustin/go-humanize"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

type demoScenario struct {
	title string
	run   func(ctx context.Context, d *demo) error
}

var demoScenarios = []demoScenario{
	{"Limiter grants in arrival order", scenarioLimiterOrder},
	{"Timeout beats a late body", scenarioTimeout},
	{"Endpoint falls back to direct and warns once", scenarioFallback},
	{"Closing a scope cancels queued tasks and waits for running ones", scenarioScopeClose},
}

func newKernelCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Exercise the task kernel",
	}
	var only int
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the reference scenarios on a manual clock and print snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if only < 0 || only > len(demoScenarios) {
				return fmt.Errorf("--scenario must be between 1 and %d", len(demoScenarios))
			}
			var failed []string
			for i, sc := range demoScenarios {
				n := i + 1
				if only != 0 && only != n {
					continue
				}
				fmt.Fprintf(a.stdout, "%s %s\n", bold(fmt.Sprintf("Scenario %d:", n)), sc.title)
				d := &demo{w: a.stdout, cfg: a.cfg}
				err := sc.run(cmd.Context(), d)
				if err == nil {
					err = d.supervise()
				}
				if err != nil {
					fmt.Fprintf(a.stdout, "  %s %v\n\n", red("FAIL"), err)
					failed = append(failed, fmt.Sprintf("scenario %d", n))
					continue
				}
				fmt.Fprintf(a.stdout, "  %s\n\n", green("PASS"))
			}
			if len(failed) > 0 {
				return &ExitCodeError{Code: exitDemoMismatch, Err: fmt.Errorf("%s did not behave as expected", strings.Join(failed, ", "))}
			}
			return nil
		},
	}
	demoCmd.Flags().IntVar(&only, "scenario", 0, "run a single scenario (1-4)")
	cmd.AddCommand(demoCmd)
	return cmd
}

type demo struct {
	w       io.Writer
	cfg     config.Config
	kernels []*kernel.Kernel
	ended   []string
}

func (d *demo) kernel() (*kernel.Kernel, *host.ManualClock) {
	clock := host.NewManualClock(0)
	k := kernel.New(kernel.Options{
		Clock:  clock,
		IDs:    host.NewCounterIDs(0),
		Logger: logging.NewComponentLogger("Kernel"),
	})
	d.kernels = append(d.kernels, k)
	return k, clock
}

// supervise prints the scope forest of every kernel the scenario built and
// fails when a closed scope still owns unfinished tasks.
func (d *demo) supervise() error {
	for _, k := range d.kernels {
		snap := k.Snapshot()
		forest := kernel.BuildSupervisionForest(snap)
		if len(forest) == 0 {
			continue
		}
		fmt.Fprintf(d.w, "    %s\n", gray("scopes"))
		for _, root := range forest {
			writeScopeTree(d.w, root, 3)
		}
		if leaked := kernel.DetectLeakedTasks(snap, d.ended); len(leaked) > 0 {
			return fmt.Errorf("closed scopes still own tasks: %s", strings.Join(leaked, ", "))
		}
	}
	return nil
}

func writeScopeTree(w io.Writer, n *kernel.SupervisionNode, depth int) {
	state := "open"
	switch {
	case n.Scope.Closed:
		state = "closed"
	case n.Scope.Cancelled:
		state = "cancelled"
	}
	label := n.Scope.Label
	if label == "" {
		label = string(n.Scope.Kind)
	}
	fmt.Fprintf(w, "%s%s %s (%s, %d tasks)\n", strings.Repeat("  ", depth), n.Scope.ID, label, state, len(n.Scope.TaskIDs))
	for _, child := range n.Children {
		writeScopeTree(w, child, depth+1)
	}
}

func (d *demo) step(format string, args ...any) {
	fmt.Fprintf(d.w, "  %s %s\n", cyan("→"), fmt.Sprintf(format, args...))
}

func (d *demo) snapshot(k *kernel.Kernel) {
	writeSnapshot(d.w, k.Snapshot())
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf(format, args...)
}

func writeSnapshot(w io.Writer, snap kernel.Snapshot) {
	q := snap.QueueDepths
	fmt.Fprintf(w, "    %s tick %s, now %dms, queues high=%d normal=%d low=%d\n",
		gray("snapshot"), humanize.Comma(int64(snap.Tick)), snap.NowMonoMs, q.High, q.Normal, q.Low)
	for _, t := range snap.Tasks {
		label := t.Label
		if label == "" {
			label = t.ID
		}
		fmt.Fprintf(w, "      task %-10s %s\n", label, t.State)
	}
	for _, l := range snap.Limiters {
		fmt.Fprintf(w, "      limiter %-7s %d/%d held, %d waiting\n", l.Name, l.Current, l.Max, l.WaitQueueLength)
	}
	for _, tm := range snap.Timers {
		fmt.Fprintf(w, "      timer %s owner=%s due=%dms\n", tm.ID, tm.Owner, tm.DeadlineMonoMs)
	}
}

func scenarioLimiterOrder(ctx context.Context, d *demo) error {
	k, _ := d.kernel()
	if err := k.DefineLimiter("x", 1); err != nil {
		return err
	}

	first := k.AcquireLimiter("x", kernel.AcquireOptions{OwnerTaskID: "first"})
	second := k.AcquireLimiter("x", kernel.AcquireOptions{OwnerTaskID: "second"})
	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("acquired twice; the second waits")
	d.snapshot(k)
	release, err := first.Result()
	if err != nil {
		return err
	}
	if err := expect(!second.Settled(), "second acquisition settled while the first held the permit"); err != nil {
		return err
	}

	release()
	third := k.AcquireLimiter("x", kernel.AcquireOptions{OwnerTaskID: "third"})
	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("released the first, then issued a third")
	d.snapshot(k)
	if err := expect(second.Settled() && !third.Settled(), "second must be granted before the later third"); err != nil {
		return err
	}

	releaseSecond, err := second.Result()
	if err != nil {
		return err
	}
	releaseSecond()
	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("released the second; the third is granted")
	d.snapshot(k)
	releaseThird, err := third.Result()
	if err != nil {
		return err
	}
	releaseThird()
	return nil
}

func scenarioTimeout(ctx context.Context, d *demo) error {
	k, clock := d.kernel()
	scope, err := k.CreateScope(kernel.ScopeOptions{Kind: kernel.ScopeSession, Label: "demo"})
	if err != nil {
		return err
	}
	h, err := scope.Spawn(func(tc *kernel.TaskContext) (any, error) {
		if err := tc.Sleep(1000); err != nil {
			return nil, err
		}
		return "late", nil
	}, kernel.SpawnOptions{Label: "sleeper", TimeoutMs: 10})
	if err != nil {
		return err
	}
	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("spawned a 1000ms sleeper with a 10ms timeout")
	d.snapshot(k)
	watchdog := kernel.NewHangDetector(clock, map[kernel.HangCategory]int64{kernel.HangTool: 10})
	watchdog.RecordProgress(kernel.HangTool)

	clock.Advance(10)
	incident, hung := watchdog.Check(kernel.HangTool, k.Snapshot())
	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("advanced the clock by 10ms")
	d.snapshot(k)
	if err := expect(hung, "hang detector stayed quiet past its threshold"); err != nil {
		return err
	}
	d.step("hang detector: %s (%d tasks at the time)", incident.Summary, len(incident.Snapshot.Tasks))

	res, err := h.Done().Result()
	if err != nil {
		return err
	}
	return expect(res.Kind == kernel.ResultTimeout, "expected timeout, got %s", res.Kind)
}

func scenarioFallback(ctx context.Context, d *demo) error {
	cfg := config.Default()
	cfg.Observability = d.cfg.Observability
	cfg.Observability.Metrics.Enabled = false
	cfg.Observability.Tracing.Enabled = false
	cfg.MCP.Endpoint.Allowed = true
	cfg.MCP.Servers = []config.ServerEntry{{ID: "demo", Name: "Demo", Command: "in-process", PreferredMode: string(mcp.ModeEndpoint)}}

	var mu sync.Mutex
	var warnings []string
	c, err := di.BuildContainer(cfg,
		di.WithClock(host.NewManualClock(0)),
		di.WithIDs(host.NewCounterIDs(0)),
		di.WithEnv(func(string) (string, bool) { return "", false }),
		di.WithDialer(func(ctx context.Context, serverID string) (mcp.Peer, error) {
			peer, err := mcp.NewInProcessPeer(ctx, demoServer(), mcp.ClientInfo{Name: "alexrt-demo"})
			if err != nil {
				return nil, err
			}
			return peer, nil
		}),
		di.WithWarnSink(func(message string) {
			mu.Lock()
			warnings = append(warnings, message)
			mu.Unlock()
		}),
	)
	if err != nil {
		return err
	}
	defer func() { _ = c.Cleanup(context.Background()) }()
	if err := c.Start(ctx); err != nil {
		return err
	}

	tools, err := c.Client.ListTools(ctx, "demo")
	if err != nil {
		return err
	}
	d.step("listed %d tools with no endpoint config", len(tools))
	for i := 0; i < 3; i++ {
		if err := c.Cache.Invalidate(ctx, "demo"); err != nil {
			return err
		}
		if _, err := c.Client.ListTools(ctx, "demo"); err != nil {
			return err
		}
	}
	statuses, err := c.Client.ListServers(ctx)
	if err != nil {
		return err
	}
	writeServers(d.w, statuses)

	mu.Lock()
	defer mu.Unlock()
	d.step("warnings emitted: %d", len(warnings))
	if len(tools) == 0 {
		return errors.New("expected tools from the direct transport")
	}
	return expect(len(warnings) == 1, "expected exactly one warning, got %d", len(warnings))
}

func demoServer() *server.MCPServer {
	srv := server.NewMCPServer("alexrt-demo", "1.0")
	srv.AddTool(mcpgo.NewTool("echo",
		mcpgo.WithDescription("Echoes its text argument"),
		mcpgo.WithString("text", mcpgo.Required()),
	), func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText(req.GetString("text", "")), nil
	})
	return srv
}

func scenarioScopeClose(ctx context.Context, d *demo) error {
	var summary kernel.ShutdownSummary
	clock := host.NewManualClock(0)
	k := kernel.New(kernel.Options{
		Clock:         clock,
		IDs:           host.NewCounterIDs(0),
		Logger:        logging.NewComponentLogger("Kernel"),
		OnScopeClosed: func(s kernel.ShutdownSummary) { summary = s },
	})
	d.kernels = append(d.kernels, k)
	scope, err := k.CreateScope(kernel.ScopeOptions{Kind: kernel.ScopeSession, Label: "demo"})
	if err != nil {
		return err
	}

	running, err := scope.Spawn(func(tc *kernel.TaskContext) (any, error) {
		return nil, tc.Sleep(100)
	}, kernel.SpawnOptions{Label: "running"})
	if err != nil {
		return err
	}
	k.Tick(1)

	var queued []*kernel.TaskHandle
	for _, label := range []string{"queued-1", "queued-2"} {
		h, err := scope.Spawn(func(*kernel.TaskContext) (any, error) {
			return nil, errors.New("queued task ran after close")
		}, kernel.SpawnOptions{Label: label})
		if err != nil {
			return err
		}
		queued = append(queued, h)
	}
	d.step("one running task, two queued")
	d.snapshot(k)

	closing := scope.Close(cancel.StopRequest("demo shutdown"))
	d.ended = append(d.ended, scope.ID())
	for _, h := range queued {
		res, err := h.Done().Result()
		if err != nil {
			return fmt.Errorf("queued task %s did not settle synchronously: %w", h.ID(), err)
		}
		if res.Kind != kernel.ResultCancelled {
			return fmt.Errorf("queued task %s settled %s", h.ID(), res.Kind)
		}
	}
	d.step("closed the scope; queued tasks cancelled, close pending=%t", !closing.Settled())
	if closing.Settled() {
		return errors.New("close completed before the running task settled")
	}

	if err := k.RunUntilIdle(ctx, kernel.RunOptions{}); err != nil {
		return err
	}
	d.step("ran until idle")
	d.snapshot(k)

	res, err := running.Done().Result()
	if err != nil {
		return err
	}
	if !closing.Settled() {
		return errors.New("close never completed")
	}
	d.step("summary: cancelled=%d success=%d error=%d timeout=%d", summary.Cancelled, summary.Success, summary.Error, summary.Timeout)
	return expect(res.Kind == kernel.ResultCancelled, "running task settled %s", res.Kind)
}
