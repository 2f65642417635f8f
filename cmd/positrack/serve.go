package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/positrack/positrack/internal/config"
	"github.com/positrack/positrack/internal/server"
	"github.com/positrack/positrack/internal/telemetry"
)

var (
	flagLogJSON  bool
	flagLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry daemon",
	Long: `Serve runs the full engine in the foreground: ingestion, the partition
lifecycle scheduler, the health monitor and the realtime TCP listener.
A lock file in the data directory enforces one daemon per database.

SIGINT and SIGTERM shut down cleanly. Dynamic config keys (thresholds,
cooldowns, auto flags) apply without a restart while the config file is
being watched.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := buildLogger()
		slog.SetDefault(log)

		cfg, err := config.Load(flagConfig)
		if err != nil {
			fail(err)
		}

		ctx := cmd.Context()
		if err := telemetry.Init(ctx, "positrack", Version); err != nil {
			log.Warn("telemetry disabled", "error", err)
		}
		defer func() {
			shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shctx)
		}()

		srv, err := server.New(ctx, cfg, server.Options{
			ConfigPath: watchablePath(),
			Logger:     log,
		})
		if err != nil {
			fail(err)
		}

		runErr := srv.Run(ctx)
		if err := srv.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
		if runErr != nil {
			fail(runErr)
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "Write logs as JSON")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

// buildLogger honors --log-level and --log-json; --verbose forces debug.
func buildLogger() *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(flagLogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	if flagVerbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if flagLogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// watchablePath picks the file the hot-reload watcher follows: the
// explicit --config when given, else the working-directory default when
// it exists. Hot reload stays off when neither resolves.
func watchablePath() string {
	if flagConfig != "" {
		return flagConfig
	}
	if _, err := os.Stat(config.DefaultFile); err == nil {
		return config.DefaultFile
	}
	return ""
}
