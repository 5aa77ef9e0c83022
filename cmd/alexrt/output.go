package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"alexrt/internal/mcp"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusLabel(status mcp.ConnectionStatus) string {
	switch status {
	case mcp.StatusConnected:
		return green(string(status))
	case mcp.StatusConnecting:
		return yellow(string(status))
	case mcp.StatusError:
		return red(string(status))
	default:
		return gray(string(status))
	}
}

func trustLabel(trust mcp.Trust) string {
	switch trust {
	case mcp.TrustUntrusted:
		return yellow(string(trust))
	case mcp.TrustManaged:
		return cyan(string(trust))
	default:
		return string(trust)
	}
}

func writeServers(w io.Writer, servers []mcp.ServerStatus) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No MCP servers configured.")
		fmt.Fprintln(w, gray("Declare servers under mcp.servers in the config file."))
		return
	}
	fmt.Fprintf(w, "%s (%d):\n\n", bold("MCP Servers"), len(servers))
	for _, s := range servers {
		enabled := ""
		if !s.Enabled {
			enabled = gray(" (disabled)")
		}
		fmt.Fprintf(w, "  %s %s%s\n", bold(s.DisplayName), gray("["+s.ID+"]"), enabled)
		fmt.Fprintf(w, "    Status: %s", statusLabel(s.Status))
		if s.Mode != "" {
			fmt.Fprintf(w, " via %s", s.Mode)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "    Trust: %s\n", trustLabel(s.Trust))
		var features []string
		if s.HasTools {
			features = append(features, "tools")
		}
		if s.HasResources {
			features = append(features, "resources")
		}
		if len(features) > 0 {
			fmt.Fprintf(w, "    Features: %s\n", strings.Join(features, ", "))
		}
		if s.Error != "" {
			fmt.Fprintf(w, "    Error: %s\n", red(s.Error))
		}
	}
}

func writeTools(w io.Writer, tools []mcp.ToolDescriptor) {
	if len(tools) == 0 {
		fmt.Fprintln(w, "No tools found.")
		return
	}
	fmt.Fprintf(w, "%s (%s):\n\n", bold("Tools"), humanize.Comma(int64(len(tools))))
	for _, tool := range tools {
		fmt.Fprintf(w, "  %s %s\n", blue(tool.ServerID+"/"+tool.Name), gray(tool.Signature))
		if tool.Description != "" {
			fmt.Fprintf(w, "    %s\n", tool.Description)
		}
	}
}
