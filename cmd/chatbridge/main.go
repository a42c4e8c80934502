package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/app"
	"github.com/ent0n29/chatbridge/internal/config"
	"github.com/ent0n29/chatbridge/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "Bridge chat bots to coding agents with per-workspace task queues",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to chatbridge.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the configured agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range cfg.Agents {
				channel := "console"
				if a.Lark.Enabled() {
					channel = "lark"
				}
				fmt.Fprintf(out, "%s (%s): launcher=%s channel=%s workspaces=%d default=%s\n",
					a.ID, a.Name, a.Launcher.Mode, channel, len(a.Workspaces), a.DefaultWorkspace)
			}
			return nil
		},
	})
	return root
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	log.Info("chatbridge starting", zap.Int("agents", len(cfg.Agents)))
	return built.Run(ctx)
}
