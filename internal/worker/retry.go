package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

const maxBackoff = time.Hour

// Backoff is the delay before retry number attempt (zero based):
// base * 2^attempt, capped at one hour
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return maxBackoff
	}
	d := base * time.Duration(uint64(1)<<uint(attempt))
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Retrier retries store operations that fail with domain.ErrStoreUnavailable
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until it succeeds, fails with a non-connectivity error, or has
// been attempted MaxRetries+1 times. Exhaustion returns an error matching
// both ErrRetryLimitReached and the last store error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !domain.IsUnavailable(err) {
			return err
		}

		if attempt >= r.MaxRetries {
			r.Logger.Error("Retry limit reached",
				slog.String("op", op),
				slog.Int("attempts", attempt+1),
				slog.Any("error", err),
			)
			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrRetryLimitReached, op, attempt+1, err)
		}

		delay := Backoff(r.BaseDelay, attempt)
		r.Logger.Warn("Store unavailable, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", r.MaxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
