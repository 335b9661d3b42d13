// Package sweeper reclaims expired guest carts and, when a retention period
// is configured, converted carts past that period.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is the slice of the cart store the sweeper needs.
type Store interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
	PurgeConverted(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// Retention of CONVERTED carts. Zero keeps them forever.
	Retention time.Duration
}

// Result counts carts removed by one pass.
type Result struct {
	Expired int `json:"expired"`
	Purged  int `json:"purged"`
}

type Sweeper struct {
	store  Store
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger
}

func New(store Store, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, cfg: cfg, clock: time.Now, logger: logger}
}

// WithClock replaces the time source; used by tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Sweep deletes expired guest carts batch by batch until a short batch
// signals nothing is left, then purges converted carts past retention.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.clock()

	n, err := s.drain(ctx, func(ctx context.Context) (int, error) {
		return s.store.DeleteExpired(ctx, now, s.cfg.BatchSize)
	})
	res.Expired = n
	if err != nil {
		return res, fmt.Errorf("delete expired carts: %w", err)
	}

	if s.cfg.Retention > 0 {
		cutoff := now.Add(-s.cfg.Retention)
		n, err = s.drain(ctx, func(ctx context.Context) (int, error) {
			return s.store.PurgeConverted(ctx, cutoff, s.cfg.BatchSize)
		})
		res.Purged = n
		if err != nil {
			return res, fmt.Errorf("purge converted carts: %w", err)
		}
	}
	return res, nil
}

func (s *Sweeper) drain(ctx context.Context, batch func(context.Context) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := batch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
// A failed pass is logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("cart sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("retention", s.cfg.Retention),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("cart sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	start := time.Now()
	res, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("cart sweep failed",
			zap.Int("expired", res.Expired),
			zap.Int("purged", res.Purged),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("cart sweep finished",
		zap.Int("expired", res.Expired),
		zap.Int("purged", res.Purged),
		zap.Duration("took", time.Since(start)),
	)
}
