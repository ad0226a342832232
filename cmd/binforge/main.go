package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/binforge/internal/config"
)

var (
	configPath string
	debug      bool
	rootCmd    = &cobra.Command{
		Use:   "binforge",
		Short: "binforge - compile scripts into native executables",
		Long: `binforge turns a single source file plus an optional requirements manifest
into a native executable. It tries a list of compiler strategies in order,
falls back when one fails, and can test-run the result in a sandbox with a
hard timeout.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// setupLogging installs the default logger. Logs go to stderr so command
// output on stdout stays machine readable.
func setupLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if cfg, err := loadConfig(); err == nil {
		level = parseLevel(cfg.Logging.Level)
	}
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
