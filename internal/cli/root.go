// Package cli implements the otaflash command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/config"
)

type ctxKey string

const appCtxKey ctxKey = "appConfig"

// NewRootCommand builds the command tree. adapter is the BLE radio every
// subcommand talks through; logs go to logOut.
func NewRootCommand(adapter ble.Adapter, logOut io.Writer) *cobra.Command {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "otaflash",
		Short:         "otaflash updates ESP32 firmware over Bluetooth LE",
		Long:          `otaflash is a BLE central that pushes a firmware image to an ESP32 running the NimBLE OTA service and follows the update until the device verifies it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}

			if logOut == nil {
				logOut = os.Stderr
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
				Level: config.ParseLogLevel(cfg.LogLevel),
			})))

			cmd.SetContext(context.WithValue(cmd.Context(), appCtxKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/otaflash/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(ScanCommand(adapter))
	rootCmd.AddCommand(FlashCommand(adapter))
	rootCmd.AddCommand(InfoCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetAppConfig returns the config loaded by the root command.
func GetAppConfig(cmd *cobra.Command) *config.Config {
	if v := cmd.Context().Value(appCtxKey); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return config.Default()
}
