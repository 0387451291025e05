package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketpipe/internal/config"
	"marketpipe/internal/logger"
	"marketpipe/internal/orchestrator"
	"marketpipe/internal/server"
	"marketpipe/internal/strategy"
	"marketpipe/internal/trace"
)

func main() {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		os.Exit(1)
	}
	if err := trace.Init(); err != nil {
		logger.Warn(context.Background(), "Failed to initialize tracer", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		os.Exit(1)
	}

	streamToken := os.Getenv("MARKET_ACCESS_TOKEN")
	if streamToken == "" {
		logger.Warn(ctx, "MARKET_ACCESS_TOKEN not set - live streaming disabled, polling fallback only")
	}

	pipeline := orchestrator.New(cfg, streamToken)
	defer pipeline.Close()

	strategyClient := strategy.NewClient(
		cfg.Strategy.URL,
		cfg.Strategy.Model,
		func() string { return os.Getenv("STRATEGY_API_KEY") },
		cfg.HTTPTimeout(),
	)

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.New(pipeline, strategyClient).Router(),
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info(ctx, "chartd listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "HTTP server failed", err)
			cancel()
		}
	}()

	select {
	case <-sigc:
		logger.Info(ctx, "Shutting down...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = trace.Shutdown(shutdownCtx)
}

func configPath() string {
	if p := os.Getenv("CHARTD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
