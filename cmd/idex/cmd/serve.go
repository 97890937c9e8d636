package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/server"
	"github.com/MeKo-Tech/idex/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the extraction HTTP service",
	Long: `Starts the HTTP API, the worker pool, and the status stream.
Submissions that were queued or in flight when the process last
stopped are picked up again on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		logger := slog.Default()

		host, _ := cmd.Flags().GetString("host")
		if host == "" {
			host = cfg.Server.Host
		}
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}
		if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
			cfg.Pipeline.Workers = v
		}
		if v, _ := cmd.Flags().GetString("store"); v != "" {
			cfg.Store.Path = v
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		st, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		registry, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		pl, cleanup, err := buildPipeline(cfg, st, registry, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		queue := pipeline.NewQueue(pl, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger)
		if err := queue.Resume(ctx); err != nil {
			return err
		}

		srv := server.NewServer(server.Config{
			CORSOrigin:  cfg.Server.CORSOrigin,
			MaxUploadMB: cfg.Server.MaxUploadMB,
		}, st, queue, registry, logger)

		mux := http.NewServeMux()
		srv.SetupRoutes(mux)
		mux.Handle("/metrics", promhttp.Handler())

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(cfg.Server.TimeoutSec) * time.Second,
			WriteTimeout:      time.Duration(cfg.Server.TimeoutSec) * time.Second,
		}

		go func() {
			slog.Info("Starting extraction server", "host", host, "port", port,
				"workers", cfg.Pipeline.Workers)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer shutdownCancel()

		slog.Info("Shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}

		// Let in-flight runs reach a stage boundary; anything still
		// queued is picked up by Resume on the next start.
		slog.Info("Draining worker pool")
		queue.Close()

		slog.Info("Graceful shutdown completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "", "server host (overrides config)")
	serveCmd.Flags().IntP("port", "p", 0, "server port (overrides config)")
	serveCmd.Flags().Int("workers", 0, "pipeline worker count (overrides config)")
	serveCmd.Flags().String("store", "", "SQLite database path (overrides config)")
}
