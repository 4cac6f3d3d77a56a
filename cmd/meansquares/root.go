package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cwbudde/meansquares/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string

	// level is shared by the handler so a silent config can raise it later
	level = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "meansquares",
	Short: "Mean-squares image registration",
	Long: `meansquares registers a moving image to a fixed image by minimising the
mean squared intensity difference over sampled fixed-image points.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level.Set(parseLevel(logLevel))
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML parameter file")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads --config, or the defaults when it is unset. A silent
// configuration drops informational logs.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if cfg.Output.Silent && level.Level() < slog.LevelWarn {
		level.Set(slog.LevelWarn)
	}
	return cfg, nil
}
