package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"arc-framework/starrynight/internal/config"
	"arc-framework/starrynight/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// logFile is the optional telemetry.log_file copy target.
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "starrynight",
	Short: "StarryNight theme runtime bootstrapper",
	Long: `starrynight brings the theme's runtime subsystems up in dependency-aware
phases, publishes the shared singletons and monitors their health.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level flag takes precedence over the config file.
		if cmd.Flags().Changed("log-level") {
			cfg.Telemetry.LogLevel = logLevel
		}
		return initLogger(cfg.Telemetry)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(planCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initLogger installs the default logger. Logs go to stderr so the JSON that
// bootstrap and plan print on stdout stays parseable.
func initLogger(tc config.TelemetryConfig) error {
	var extra []io.Writer
	if tc.LogFile != "" {
		f, err := os.OpenFile(tc.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logFile = f
		extra = append(extra, f)
	}
	slog.SetDefault(telemetry.NewLogger(tc.LogLevel, os.Stderr, extra...))
	return nil
}
