package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tunely/tunely/internal/broker"
	"github.com/tunely/tunely/internal/store"
)

var version = "dev"

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	var configPath string

	root := &cobra.Command{
		Use:   "tunely-broker",
		Short: "Tunely broker: public HTTP entrypoint and agent control channel",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/broker.yaml", "path to broker configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the broker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := broker.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}

			server := broker.NewServer(cfg, st)
			slog.Info("broker starting", "version", version)
			return server.Run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		slog.Error("broker exited with error", "err", err)
		os.Exit(1)
	}
}
