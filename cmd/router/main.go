// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/zkyvette425/windroute/config"
	"github.com/zkyvette425/windroute/messaging"
	"github.com/zkyvette425/windroute/server/health"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting message router", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"history_backend", cfg.History.Backend,
		"compression_enabled", cfg.Compression.Enabled,
		"log_level", cfg.Log.Level)

	// Build the routing service with the in-process transport.
	svc, err := messaging.New(cfg, nil, logger)
	if err != nil {
		slog.Error("Failed to initialize routing service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.Server.HealthEnabled {
		healthSrv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, svc, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	wg.Wait()

	if err := svc.Close(); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("Message router stopped")
}
