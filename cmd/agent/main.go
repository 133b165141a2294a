package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tunely/tunely/internal/agentcore"
)

var version = "dev"

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	var configPath string

	root := &cobra.Command{
		Use:   "tunely-agent",
		Short: "Tunely agent: connects a local target to the broker's control channel",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/agent.yaml", "path to agent configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and start forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agentcore.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := agentcore.New(cfg)
			if err != nil {
				return fmt.Errorf("creating agent: %w", err)
			}

			slog.Info("agent starting", "version", version)
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("agent exited: %w", err)
			}
			slog.Info("agent stopped")
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
}
