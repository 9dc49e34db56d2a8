// Package main is the entry point for the hosting ledger daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hosting-ledger/internal/config"
)

const programName = "ledgerd"

var globalFlags = struct {
	configDir string
	debug     bool
}{}

type configKey struct{}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Resource ledger and provisioning reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(globalFlags.configDir)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogger(cfg.Log)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().
		StringVar(&globalFlags.configDir, "config", "config", "directory containing config.yaml")
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(auditCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// configFrom returns the config loaded by the root command.
func configFrom(cmd *cobra.Command) *config.Config {
	cfg, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return cfg
}

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if globalFlags.debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
