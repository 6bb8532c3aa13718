// Package scheduler materializes recurring jobs from schedule rules. Any
// number of schedulers may run against one store: each occurrence is
// claimed by advancing the rule's checked time with a test-and-set, so
// exactly one instance enqueues it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/queue"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/worker"
)

// Default loop values
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMinSleep     = time.Second
)

// nextHorizon is the sleep bound when no rule has a next occurrence
const nextHorizon = 24 * time.Hour

// Config holds scheduler configuration
type Config struct {
	PollInterval   time.Duration
	MinSleep       time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Scheduler runs the rule loop
type Scheduler struct {
	cfg      Config
	gw       store.Gateway
	logger   *slog.Logger
	notifier queue.Notifier
	retrier  *worker.Retrier
	now      func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithNotifier publishes an enqueue notification for every fired job
func WithNotifier(n queue.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New creates a new scheduler
func New(gw store.Gateway, cfg Config, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = DefaultMinSleep
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = worker.DefaultRetryBaseDelay
	}

	s := &Scheduler{
		cfg:    cfg,
		gw:     gw,
		logger: slog.Default(),
		now:    domain.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retrier = &worker.Retrier{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Logger:     s.logger,
	}
	return s
}

// Run loops until ctx is cancelled. Only an exhausted connectivity retry
// ends it with an error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Running scheduler",
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)

	for {
		next, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, worker.ErrRetryLimitReached) {
				return err
			}
			s.logger.Error("Scheduler pass failed", slog.Any("error", err))
			next = s.now().Add(s.cfg.PollInterval)
		}

		d := s.sleepFor(next)
		s.logger.Debug("Sleeping until next pass",
			slog.Time("next_event", next),
			slog.Duration("sleep", d),
		)
		if !wait(ctx, d) {
			break
		}
	}

	s.logger.Info("Exiting scheduler loop")
	return nil
}

// sleepFor bounds the wait before the next pass to [MinSleep, PollInterval]
func (s *Scheduler) sleepFor(next time.Time) time.Duration {
	d := next.Sub(s.now())
	if d > s.cfg.PollInterval {
		d = s.cfg.PollInterval
	}
	if d < s.cfg.MinSleep {
		d = s.cfg.MinSleep
	}
	return d
}

// RunOnce makes one pass over the active rules, firing every rule with a
// due occurrence, and returns the earliest next occurrence across them.
func (s *Scheduler) RunOnce(ctx context.Context) (time.Time, error) {
	var rules []*domain.RuleDocument
	err := s.retrier.Do(ctx, "active rules", func(ctx context.Context) (err error) {
		rules, err = s.gw.ActiveRules(ctx)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load schedule rules: %w", err)
	}

	next := s.now().Add(nextHorizon)
	for _, r := range rules {
		n, err := s.check(ctx, r)
		if err != nil {
			if errors.Is(err, worker.ErrRetryLimitReached) || ctx.Err() != nil {
				return time.Time{}, err
			}
			s.logger.Error("Failed to check schedule rule",
				slog.String("rule_id", r.ID),
				slog.Any("error", err),
			)
		}
		if !n.IsZero() && n.Before(next) {
			next = n
		}
	}
	return next, nil
}

// check fires r if an occurrence fell between its checked time and now and
// returns r's next occurrence
func (s *Scheduler) check(ctx context.Context, r *domain.RuleDocument) (time.Time, error) {
	rec, err := ParseRule(r.Rule, r.Created)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	items := rec.Between(r.Checked, now)
	next := rec.After(now)
	if len(items) == 0 {
		return next, nil
	}

	if len(items) > 1 {
		s.logger.Warn("Scheduler missed occurrences, enqueuing latest",
			slog.String("rule_id", r.ID),
			slog.String("task", r.Task),
			slog.Int("missed", len(items)),
		)
	}

	var won bool
	err = s.retrier.Do(ctx, "advance rule", func(ctx context.Context) (err error) {
		won, err = s.gw.AdvanceRule(ctx, r.ID, r.Checked, now)
		return err
	})
	if err != nil {
		return next, err
	}
	if !won {
		s.logger.Warn("Another scheduler has already run this rule, moving on",
			slog.String("rule_id", r.ID),
			slog.String("task", r.Task),
		)
		return next, nil
	}

	occurrence := items[len(items)-1]
	s.logger.Info("Enqueueing scheduled task",
		slog.String("rule_id", r.ID),
		slog.String("task", r.Task),
		slog.Time("occurrence", occurrence),
	)
	if err := s.enqueue(ctx, r); err != nil {
		return next, err
	}
	return next, nil
}

func (s *Scheduler) enqueue(ctx context.Context, r *domain.RuleDocument) error {
	opts := []queue.Option{queue.WithTags(r.Tags...), queue.WithLogger(s.logger)}
	if s.notifier != nil {
		opts = append(opts, queue.WithNotifier(s.notifier))
	}
	q := queue.New(s.gw, r.Queue, opts...)

	return s.retrier.Do(ctx, "enqueue", func(ctx context.Context) error {
		_, err := q.EnqueueCall(ctx, r.Task, nil, nil, queue.Timeout(r.Timeout))
		return err
	})
}

// wait sleeps for d and reports false if ctx ended first
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
