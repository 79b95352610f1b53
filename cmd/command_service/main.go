package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iotmon/golang_services/internal/platform/config"
	"github.com/iotmon/golang_services/internal/platform/logger"
)

const serviceName = "command-service"

func main() {
	rootCmd := &cobra.Command{
		Use:           "command_service",
		Short:         "Queued device command scheduler",
		Long:          "Schedules commands for monitored devices on a delay queue and tracks their execution.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newDeviceCmd(), newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the service logger shared by all subcommands.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, logger.New(serviceName, cfg.LogLevel), nil
}
