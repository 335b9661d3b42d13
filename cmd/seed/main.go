package main

import (
	"context"
	"fmt"
	"os"

	"cartengine/internal/config"
	"cartengine/internal/db"
	"cartengine/internal/logging"
	"cartengine/internal/repository/catalog"
	"cartengine/internal/repository/coupon"
	"cartengine/internal/seed"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New("seed", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DBConnString)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}
	defer pool.Close()

	products := catalog.NewPostgres(pool, logger)
	coupons := coupon.NewPostgres(pool, logger)
	if err := seed.Apply(ctx, products, coupons, cfg.Currency); err != nil {
		logger.Fatal("seed apply", zap.Error(err))
	}

	logger.Info("seed applied", zap.String("currency", cfg.Currency))
}
