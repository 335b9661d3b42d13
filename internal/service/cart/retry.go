package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cartengine/internal/domain"
	"go.uber.org/zap"
)

// RetryPolicy bounds internal retries of retryable store failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	return p
}

// run executes op under the mutation deadline, retrying concurrent
// modification and transient storage failures with exponential backoff.
// Every attempt starts from a fresh read inside op.
func (s *Service) run(ctx context.Context, name string, op func(ctx context.Context) (*domain.Cart, error)) (*domain.Cart, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		c, err := op(ctx)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		lastErr = err
		if !domain.IsRetryable(err) || ctx.Err() != nil || attempt == s.retry.MaxAttempts {
			break
		}

		delay := s.retry.BaseDelay << (attempt - 1)
		s.logger.Warn("retrying cart operation",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s: %w: %w", name, domain.ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%s: %w", name, lastErr)
}
