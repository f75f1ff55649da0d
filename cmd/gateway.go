package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"beacon/pkg/config"
	"beacon/pkg/gateway"
	"beacon/pkg/logger"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:     "gateway",
	Aliases: []string{"run"},
	Short:   "Run the delivery daemon",
	Long:    "Runs Beacon in the background: supervises the realtime link and serves push ingress, call actions and status over HTTP.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		if err := validateGateway(cfg); err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"address", svc.Addr(),
			"presenters", enabledPresenterNames(cfg),
			"store", cfg.Store.Driver,
			"speech", cfg.Speech.Enabled,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// validateGateway catches settings that would leave the daemon unable to do
// anything useful.
func validateGateway(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Socket.URL) == "" {
		return errors.New("socket.url is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	return nil
}

func enabledPresenterNames(cfg *config.Config) string {
	names := make([]string, 0, 2)
	if cfg.Presenters.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Presenters.Console.Enabled || len(names) == 0 {
		names = append(names, "console")
	}

	return strings.Join(names, ",")
}
