package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/channel/telegram"
	"chatbridge/pkg/config"
	"chatbridge/pkg/gateway"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge gateway",
	Long:  "Hosts one conversation behind the HTTP bridge endpoints, or behind Telegram when that channel is enabled, with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.serve")
		if err != nil {
			fmt.Println(err)
			return
		}

		frontend, err := frontendAdapter(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		application, err := newApp(cfg, log)
		if err != nil {
			log.Error("Failed to initialize conversation", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, application.transport, application.orchestrator, frontend, log)
		if err != nil {
			application.Close()
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"frontend", frontendName(frontend),
			"provider", cfg.Agents.Defaults.Provider,
			"model", cfg.Agents.Defaults.Model,
			"mock_services", cfg.Orchestrator.MockServices,
		)
		err = svc.Run(runCtx)
		application.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// frontendAdapter returns the configured channel adapter, or nil when the
// embedded frontend pulls events over HTTP.
func frontendAdapter(cfg *config.Config, log *slog.Logger) (channel.Adapter, error) {
	if !cfg.Channels.Telegram.Enabled {
		return nil, nil
	}

	adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("configure telegram channel: %w", err)
	}

	return adapter, nil
}

func frontendName(adapter channel.Adapter) string {
	if adapter == nil {
		return "http"
	}

	return adapter.Name()
}
