// commands.go contains the cobra command definitions. Each builder creates
// one command and wires it to its handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convoke-ai/convoke/internal/agents"
	"github.com/convoke-ai/convoke/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the convoke daemon",
		Long: `Start the convoke daemon.

The daemon will:
1. Load configuration from the specified file (or convoke.yaml)
2. Load the agent roster and start the roster watcher
3. Construct the model-service client and tool registry
4. Start the session runtime and, when enabled, the metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  convoked serve

  # Start with custom config and debug logging
  convoked serve --config /etc/convoke/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildAgentsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent roster",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRoster(cmd.Context(), resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			for _, def := range reg.List() {
				fmt.Printf("%-12s %-24s %s\n", def.ID, def.DisplayName, def.Role)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a loose agent name to its canonical id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRoster(cmd.Context(), resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			id, err := reg.MustResolve(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})

	return cmd
}

func loadRoster(ctx context.Context, configPath string) (*agents.Registry, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	reg := agents.NewRegistry(nil)
	if err := reg.LoadFile(ctx, cfg.Agents.File); err != nil {
		return nil, fmt.Errorf("load roster %s: %w", cfg.Agents.File, err)
	}
	return reg, nil
}

// loadConfig tolerates a missing default config file; an explicitly named
// one must exist, which config.Load enforces.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && path == "convoke.yaml" && errors.Is(err, fs.ErrNotExist) {
		return config.Load("")
	}
	return cfg, err
}
