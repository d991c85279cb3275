// Package main provides the CLI entry point for the convoke daemon.
//
// Convoke is an interactive multi-agent orchestration runtime: users hold
// sessions with named agents that stream model output across visibility
// channels, call registered tools, and exchange priority mail.
//
// # Basic Usage
//
// Start the daemon:
//
//	convoked serve --config convoke.yaml
//
// Inspect the agent roster:
//
//	convoked agents list
//	convoked agents resolve "debbie please"
//
// # Environment Variables
//
//   - CONVOKE_CONFIG: Path to configuration file (default: convoke.yaml)
//   - OPENROUTER_API_KEY: Model-service key, referenced from the config file
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "convoked",
		Short:         "Convoke multi-agent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildAgentsCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("convoked %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the CONVOKE_CONFIG fallback.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONVOKE_CONFIG"); env != "" {
		return env
	}
	return "convoke.yaml"
}
