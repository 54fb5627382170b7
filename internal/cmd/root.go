// Package cmd implements the fluxbridge command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/fluxbridge/internal/config"
	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
)

var (
	configPath string
	logLevel   string
	nodeName   string
)

var rootCmd = &cobra.Command{
	Use:   "fluxbridge",
	Short: "LAN clipboard and file sync",
	Long: `fluxbridge finds other instances on the local network, keeps clipboards
in sync with them and sends files over direct peer connections`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+config.EnvVar+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&nodeName, "name", "", "display name announced to peers")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if nodeName != "" {
		cfg.Name = nodeName
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logger.New(os.Stderr, logger.ParseLevel(cfg.Log.Level))
}
