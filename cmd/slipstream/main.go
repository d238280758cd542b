package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/goquant/slipstream/internal/app"
	"github.com/goquant/slipstream/internal/config"
	"github.com/goquant/slipstream/internal/server"
)

const appName = "slipstream"

// Set at build time: -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "v1.0.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time trade cost analytics for a single instrument",
		Version: version,
		Long: `Slipstream ingests L2 orderbook snapshots over websocket and serves
live pre-trade cost analytics: expected slippage, market impact,
maker/taker split, fees, and net cost. REST under /api/v1, push
updates over /ws, Prometheus metrics on /metrics.`,
		RunE: runServe,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (defaults apply when empty)")
	rootCmd.PersistentFlags().String("listen", "", "Listen address host:port (overrides config)")
	rootCmd.PersistentFlags().String("feed-url", "", "Orderbook feed websocket URL (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().String("log-file", "", "Append logs to this file as well as stderr (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed, analytics pipeline, and HTTP/WS server",
		RunE:  runServe,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s)\n", appName, version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("feed", cfg.Feed.URL).
		Str("addr", cfg.Server.Addr()).
		Msg("slipstream starting")

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	srv := server.NewServer(cfg.Server, application, application.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appErr := make(chan error, 1)
	go func() { appErr <- application.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-appErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("pipeline failed")
		}
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("HTTP server failed")
		}
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
		if runErr == nil {
			runErr = err
		}
	}

	log.Info().Msg("slipstream stopped")
	return runErr
}

// applyFlagOverrides layers command-line values over the loaded file and
// re-validates the result.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("feed-url") {
		cfg.Feed.URL, _ = flags.GetString("feed-url")
	}
	if flags.Changed("listen") {
		addr, _ := flags.GetString("listen")
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid listen port %q: %w", portStr, err)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setupLogging configures the global logger: pretty console output on a
// terminal, plain JSON otherwise, with an optional file sink alongside.
func setupLogging(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var sinks []io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		sinks = append(sinks, os.Stderr)
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		sinks = append(sinks, f)
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(sinks...))
	return nil
}
