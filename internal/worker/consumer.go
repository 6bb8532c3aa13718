package worker

import (
	"context"
	"log/slog"
	"time"
)

// sleep waits for d, returning early on a wake-up or with ctx.Err() when
// the context ends. A closed wake-up channel falls back to plain polling.
func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case _, ok := <-w.wakeups:
			if !ok {
				w.logger.Warn("Wake-up subscription closed, polling only",
					slog.String("worker_id", w.ID()),
				)
				w.wakeups = nil
				continue
			}
			w.logger.Debug("Woken by enqueue notification",
				slog.String("worker_id", w.ID()),
			)
			return nil
		}
	}
}
