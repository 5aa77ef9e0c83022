package main

import (
	"errors"
	"fmt"
	"os"

	"alexrt/internal/config"

	"github.com/spf13/cobra"
)

var configSourceKeys = []string{
	"mcp.workspace_id",
	"mcp.concurrency.global",
	"mcp.concurrency.per_server",
	"mcp.manifest_ttl",
	"mcp.retry.enabled",
	"mcp.endpoint.allowed",
	"mcp.endpoint.url",
	"observability.logging.level",
	"observability.metrics.enabled",
	"observability.tracing.enabled",
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise configuration",
	}

	var sources bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redacted := a.cfg.Redacted()
			if a.jsonOutput {
				return writeJSON(a.stdout, redacted)
			}
			if path := a.meta.Path(); path != "" {
				fmt.Fprintf(a.stdout, "%s %s\n", gray("# loaded from"), path)
			}
			encoded, err := config.Marshal(redacted)
			if err != nil {
				return err
			}
			if _, err := a.stdout.Write(encoded); err != nil {
				return err
			}
			if sources {
				fmt.Fprintf(a.stdout, "\n%s\n", bold("Sources"))
				for _, key := range configSourceKeys {
					fmt.Fprintf(a.stdout, "  %-32s %s\n", key, a.meta.Source(key))
				}
			}
			return nil
		},
	}
	show.Flags().BoolVar(&sources, "sources", false, "also print where key settings came from")

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.resolvedConfigPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, p)
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.resolvedConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			written, err := config.Save(config.Default(), config.WithConfigPath(p))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s\n", green("Wrote"), written)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, path, initCmd)
	return cmd
}

func (a *app) resolvedConfigPath() (string, error) {
	opts := append([]config.Option(nil), a.loadOptions...)
	if a.configPath != "" {
		opts = append(opts, config.WithConfigPath(a.configPath))
	}
	return config.DefaultPath(opts...)
}
