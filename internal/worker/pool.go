package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs several independently registered workers in one process
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool builds size workers with build(slot)
func NewPool(size int, build func(slot int) *Worker, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{logger: logger}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, build(i))
	}
	return p
}

// Workers returns the pool members
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run starts every worker and waits for all of them. A requested shutdown
// stops only the worker it targeted; any other error stops the whole pool.
// The first error, or else the first *ExitError, is returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Spawning worker pool", slog.Int("concurrency", len(p.workers)))

	var (
		mu      sync.Mutex
		exitErr *ExitError
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			err := w.Work(gctx)
			var ee *ExitError
			if errors.As(err, &ee) {
				mu.Lock()
				if exitErr == nil {
					exitErr = ee
				}
				mu.Unlock()
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if exitErr != nil {
		return exitErr
	}
	p.logger.Info("Worker pool stopped")
	return nil
}
