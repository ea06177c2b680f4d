package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshnerd/internal/builder"
	"meshnerd/internal/config"
	"meshnerd/internal/logging"
	"meshnerd/internal/server"
)

var serveListen string

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drawings-to-mesh HTTP API",
	Long: `Starts an HTTP server exposing the generation pipeline:

  POST /generate-3d-model    run the pipeline on uploaded or referenced drawings
  GET  /healthz              liveness and active backend
  GET  /v1/usage             aggregated token usage
  GET  /v1/history           recent generations

The server reloads logging settings when the config file changes; backend
and quota changes apply on restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config, :8080)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = serveListen
	}

	b, err := builder.FromConfig(cfg, resolveWorkspace())
	if err != nil {
		return err
	}

	srv, err := server.NewServer(b, server.Config{
		Listen:         cfg.Server.Listen,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		b.Close()
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, func(_ *config.Config) {
		logging.ReloadConfig()
		logger.Info("Config reloaded; backend and quota changes apply on restart")
	})
	if err != nil {
		logger.Warn("Config watching unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watching unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("Serving",
		zap.String("listen", cfg.Server.Listen),
		zap.String("provider", b.Provider()),
		zap.String("model", b.Model()))

	return srv.Run(ctx)
}
