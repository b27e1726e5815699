package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/webui/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Agent web UI backend",
		Long: `server runs the agent in a pseudo-terminal (or a pipe where none is
available) and streams it to web clients over WebSocket.

Configuration is read from web-ui-config.json in the project directory,
then overridden by PORT, HOST, PROJECT_DIR, CLAUDE_COMMAND and LOG_LEVEL,
then by flags.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, os.LookupEnv)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "config file (default <project-dir>/"+config.DefaultFile+")")
	cmd.Flags().String("project-dir", "", "project directory (default current directory)")
	cmd.Flags().IntP("port", "p", 0, "listen port")
	cmd.Flags().Bool("force-pipe", false, "never use a pseudo-terminal")
	return cmd
}

// loadConfig layers defaults, the config file, the environment and flags,
// in that order.
func loadConfig(cmd *cobra.Command, lookup func(string) (string, bool)) (*config.Config, error) {
	flags := cmd.Flags()
	flagDir, _ := flags.GetString("project-dir")

	projectDir := flagDir
	if projectDir == "" {
		if v, ok := lookup("PROJECT_DIR"); ok && v != "" {
			projectDir = v
		}
	}
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving project directory: %w", err)
		}
		projectDir = wd
	}

	path, _ := flags.GetString("config")
	if path == "" {
		path = filepath.Join(projectDir, config.DefaultFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ProjectDir = projectDir
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if flagDir != "" {
		cfg.ProjectDir = flagDir
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("force-pipe") {
		cfg.Claude.ForcePipe, _ = flags.GetBool("force-pipe")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
