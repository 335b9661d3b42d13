package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cartengine/internal/app"
	"cartengine/internal/config"
	"cartengine/internal/logging"
	"cartengine/internal/sweeper"
	"go.uber.org/zap"
)

// sweep runs a single reclamation pass, for deployments that schedule it
// externally instead of inside the api process.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.CatalogDB = false

	logger, err := logging.New("sweep", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}
	defer backend.Close()

	res, err := sweeper.New(backend.Store, sweeper.Config{
		BatchSize: cfg.SweepBatchSize,
		Retention: cfg.ConvertedRetention,
	}, logger).Sweep(ctx)
	if err != nil {
		logger.Error("sweep failed", zap.Error(err), zap.Int("expired", res.Expired), zap.Int("purged", res.Purged))
		return
	}
	fmt.Printf("Removed %d expired and %d converted carts\n", res.Expired, res.Purged)
}
