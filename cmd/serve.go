package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/server"
	"github.com/audiolibrelab/screencap/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the screencap web server to control recording from a browser.
Status changes are pushed on /events, and /metrics exposes Prometheus metrics
when server.metrics is enabled.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetString("port")
		}

		opts := service.Options{
			Logger:  slog.Default(),
			Verbose: ffmpegVerbose(),
		}
		var gatherer prometheus.Gatherer
		if cfg.Server.Metrics {
			opts.Registerer = prometheus.DefaultRegisterer
			gatherer = prometheus.DefaultGatherer
		}

		svc, err := service.New(cfg, cfgFile, profile, opts)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("screencap web server starting", "port", port, "config", cfgFile)
		srv := server.New(svc, port, gatherer, slog.Default())
		serveErr := srv.Start(ctx)

		// a recording still running is saved before exit
		if err := svc.Close(context.Background()); err != nil {
			slog.Error("Failed to save recording on shutdown", "error", err)
		}
		if serveErr != nil {
			return fmt.Errorf("server failed: %w", serveErr)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server (overrides server.port)")
}
