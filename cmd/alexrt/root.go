package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "alexrt",
		Short: "Cooperative task kernel and MCP client",
		Long: fmt.Sprintf(`%s

Runs protocol tool calls as scheduled tasks with deterministic cancellation,
named concurrency limits and streamed output.`, bold("alexrt")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.alexrt/config.yaml or $ALEXRT_CONFIG)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newMCPCommand(a),
		newKernelCommand(a),
		newConfigCommand(a),
	)
	return root
}
