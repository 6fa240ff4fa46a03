// Command sleuth-bridge exposes the capture bridge's HTTP API as an MCP tool
// server on stdio. Logs go to stderr; stdout carries only protocol frames.
package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxysleuth/sleuth/pkg/bridge"
)

var (
	bridgeURL  string
	timeout    time.Duration
	logLevel   string
	healthOnly bool
)

var rootCmd = &cobra.Command{
	Use:          "sleuth-bridge",
	Short:        "MCP tool server fronting the proxy capture bridge",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(logLevel)
		client := bridge.NewClient(bridge.ClientOptions{
			BaseURL: bridgeURL,
			Timeout: timeout,
			Logger:  logger,
		})

		if healthOnly {
			if client.Healthy(cmd.Context()) {
				logger.Info("bridge reachable", "url", client.BaseURL())
				return nil
			}
			logger.Error("bridge unreachable", "url", client.BaseURL())
			os.Exit(1)
		}

		logger.Info("serving on stdio", "bridge", client.BaseURL())
		return bridge.NewServer(client, logger).Run(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&bridgeURL, "bridge-url", envOr("SLEUTH_BRIDGE_URL", bridge.DefaultBaseURL), "capture bridge base URL")
	flags.DurationVar(&timeout, "timeout", bridge.DefaultTimeout, "per-request timeout")
	flags.StringVar(&logLevel, "log-level", envOr("SLEUTH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.BoolVar(&healthOnly, "check", false, "probe the bridge and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
