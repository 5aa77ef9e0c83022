package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"alexrt/internal/cancel"
	"alexrt/internal/di"
	"alexrt/internal/kernel"
	"alexrt/internal/mcp"
	"alexrt/internal/toolrun"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMCPCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect and call capability servers",
	}
	cmd.AddCommand(
		newMCPServersCommand(a),
		newMCPToolsCommand(a),
		newMCPResourcesCommand(a),
		newMCPGrepCommand(a),
		newMCPCallCommand(a),
		newMCPStatusCommand(a),
		newMCPWatchCommand(a),
	)
	return cmd
}

func newMCPServersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "servers",
		Aliases: []string{"list", "ls"},
		Short:   "List configured servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Servers []mcp.ServerStatus `json:"servers"`
			}
			if err := a.runEngineCommand(cmd.Context(), mcp.OpServersList, nil, &out); err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(a.stdout, out)
			}
			writeServers(a.stdout, out.Servers)
			return nil
		},
	}
}

func newMCPToolsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [server] [tool]",
		Short: "List tools, or describe one tool",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				var out struct {
					Tool mcp.ToolDescriptor `json:"tool"`
				}
				params := map[string]string{"serverId": args[0], "toolName": args[1]}
				if err := a.runEngineCommand(cmd.Context(), mcp.OpToolsInfo, params, &out); err != nil {
					return err
				}
				if a.jsonOutput {
					return writeJSON(a.stdout, out)
				}
				writeTools(a.stdout, []mcp.ToolDescriptor{out.Tool})
				if len(out.Tool.InputSchema) > 0 {
					fmt.Fprintln(a.stdout, gray("\n  Input schema:"))
					return writeJSON(a.stdout, out.Tool.InputSchema)
				}
				return nil
			}

			params := map[string]string{}
			if len(args) == 1 {
				params["serverId"] = args[0]
			}
			var out struct {
				Tools []mcp.ToolDescriptor `json:"tools"`
			}
			if err := a.runEngineCommand(cmd.Context(), mcp.OpToolsList, params, &out); err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(a.stdout, out)
			}
			writeTools(a.stdout, out.Tools)
			return nil
		},
	}
}

func newMCPResourcesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resources [server]",
		Short: "List readable resources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]string{}
			if len(args) == 1 {
				params["serverId"] = args[0]
			}
			var out struct {
				Resources []mcp.ResourceDescriptor `json:"resources"`
			}
			if err := a.runEngineCommand(cmd.Context(), mcp.OpResourcesList, params, &out); err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(a.stdout, out)
			}
			if len(out.Resources) == 0 {
				fmt.Fprintln(a.stdout, "No resources found.")
				return nil
			}
			for _, r := range out.Resources {
				fmt.Fprintf(a.stdout, "  %s %s %s\n", blue(r.ServerID), r.URI, gray(r.MimeType))
			}
			return nil
		},
	}
}

func newMCPGrepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "grep <pattern>",
		Short: "Find tools whose name or description matches a regular expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tools []mcp.ToolDescriptor `json:"tools"`
			}
			if err := a.runEngineCommand(cmd.Context(), mcp.OpGrep, map[string]string{"pattern": args[0]}, &out); err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(a.stdout, out)
			}
			writeTools(a.stdout, out.Tools)
			return nil
		},
	}
}

func newMCPStatusCommand(a *app) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status and admission limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			var servers []mcp.ServerStatus
			if probe {
				servers, err = c.Client.Probe(cmd.Context())
			} else {
				servers, err = c.Client.ListServers(cmd.Context())
			}
			if err != nil {
				return err
			}
			limits := c.Client.Limits().Snapshot()
			breakers := c.Breakers.Snapshot()
			if a.jsonOutput {
				return writeJSON(a.stdout, map[string]any{"servers": servers, "limiters": limits, "breakers": breakers})
			}
			writeServers(a.stdout, servers)
			fmt.Fprintf(a.stdout, "\n%s\n", bold("Limiters"))
			for _, l := range limits {
				fmt.Fprintf(a.stdout, "  %-24s %d/%d in flight, %d queued\n", l.Name, l.Current, l.Max, l.WaitQueueLength)
			}
			if len(breakers) > 0 {
				fmt.Fprintf(a.stdout, "\n%s\n", bold("Circuit breakers"))
				for _, b := range breakers {
					fmt.Fprintf(a.stdout, "  %-24s %s, %d failures, since %s\n", b.Name, b.State, b.Failures, humanize.Time(b.ChangedAt))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "refresh every enabled server's manifest first")
	return cmd
}

func newMCPCallCommand(a *app) *cobra.Command {
	var (
		rawArgs string
		timeout time.Duration
		approve bool
	)
	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call a tool as a kernel task and stream its output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be JSON: %w", err)
				}
			}
			a.diOptions = append(a.diOptions, di.WithApprover(func(_ context.Context, call toolrun.Call, hint toolrun.PermissionHint) error {
				if approve {
					return nil
				}
				return fmt.Errorf("server %s requires approval (%s risk); rerun with --yes", call.Params.ServerID, hint.Risk)
			}))
			c, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			params := mcp.ToolCallParams{ServerID: args[0], Tool: args[1], Args: toolArgs, TimeoutMs: timeout.Milliseconds()}
			return a.callTool(cmd.Context(), c, params)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	flags.DurationVar(&timeout, "timeout", 0, "per-call timeout (0 uses the client default)")
	flags.BoolVarP(&approve, "yes", "y", false, "approve calls to untrusted servers")
	return cmd
}

type callReport struct {
	Outcome kernel.ResultKind    `json:"outcome"`
	Output  any                  `json:"output,omitempty"`
	Error   string               `json:"error,omitempty"`
	Events  []kernel.StreamEvent `json:"events,omitempty"`
}

// callTool runs one tool call to completion. The scheduler and the stream
// reader run side by side; an interrupt cancels the tool run scope.
func (a *app) callTool(ctx context.Context, c *di.Container, params mcp.ToolCallParams) error {
	scope, err := c.Kernel.CreateScope(kernel.ScopeOptions{Kind: kernel.ScopeToolRun, Label: "cli"})
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { scope.Cancel(cancel.UserCancel("interrupted")) })
	defer stop()

	run, err := c.Runner.Start(ctx, scope, toolrun.Call{Params: params, Label: "cli:" + params.ServerID + "/" + params.Tool})
	if err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	report := callReport{}
	var g errgroup.Group
	g.Go(func() error {
		for {
			ev, ok, err := run.Stream.Next(bg)
			if err != nil || !ok {
				return err
			}
			if a.jsonOutput {
				report.Events = append(report.Events, ev)
				continue
			}
			writeStreamEvent(a.stdout, ev)
		}
	})
	g.Go(func() error {
		return c.Kernel.RunUntilIdle(bg, c.RunOptions())
	})
	if err := g.Wait(); err != nil {
		return err
	}
	c.ObserveKernel()

	res, err := run.Task.Done().Result()
	if err != nil {
		return err
	}
	report.Outcome = res.Kind
	if out, ok := res.Value.(toolrun.Output); ok && out.Kind == toolrun.OutputStructured {
		report.Output = out.Value
	}
	if res.Err != nil {
		report.Error = res.Err.Error()
	}

	if a.jsonOutput {
		if err := writeJSON(a.stdout, report); err != nil {
			return err
		}
	} else if report.Output != nil {
		if err := writeJSON(a.stdout, report.Output); err != nil {
			return err
		}
	}
	if res.Kind != kernel.ResultSuccess {
		return &ExitCodeError{Code: exitToolFailed, Err: fmt.Errorf("tool %s/%s %s: %v", params.ServerID, params.Tool, res.Kind, res.Err)}
	}
	return nil
}

func writeStreamEvent(w io.Writer, ev kernel.StreamEvent) {
	switch ev.Kind {
	case kernel.EventChunk:
		_, _ = w.Write(ev.Data)
	case kernel.EventProgress:
		if ev.Percent != nil {
			fmt.Fprintf(w, "%s %.0f%% %s\n", cyan("progress"), *ev.Percent, ev.Message)
		} else {
			fmt.Fprintf(w, "%s %s\n", cyan("progress"), ev.Message)
		}
	case kernel.EventDiagnostic:
		fmt.Fprintf(w, "%s %s\n", yellow("note"), ev.Message)
	case kernel.EventClose:
		bytes := ev.Counters["bytes"]
		fmt.Fprintf(w, "\n%s\n", gray(fmt.Sprintf("%s: %d chunks, %s, %d progress updates",
			ev.Reason, ev.Counters["chunks"], humanize.Bytes(uint64(bytes)), ev.Counters["progress"])))
	}
}
