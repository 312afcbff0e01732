package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docrobotics/viewerd/chat"
	"github.com/docrobotics/viewerd/config"
	"github.com/docrobotics/viewerd/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the viewer server",
	Long: `Starts the HTTP server with the REST API, the WebSocket and SSE RPC
endpoints, and the embedded viewer app if one is configured.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}

		logger := newLogger(cfg.LogLevel)

		generator := chat.NewAnthropicClient(cfg.AnthropicAPIKey,
			chat.WithAnthropicLogger(logger))
		if !generator.Available() {
			logger.Warn("ANTHROPIC_API_KEY not set, chat features will be limited")
		}

		srv := server.New(cfg, generator, server.WithLogger(logger))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
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

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", fmt.Sprintf("Listen address (default %q)", config.Default().ListenAddr))
}
