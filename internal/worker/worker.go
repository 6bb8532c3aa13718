// Package worker claims jobs from the shared store and runs each one in an
// isolated child process under its timeout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/joblog"
	"github.com/cuongbtq/taskq/internal/store"
)

// Mode controls when the main loop exits
type Mode int

const (
	// Forever polls until the context is cancelled or a shutdown is requested
	Forever Mode = iota
	// One exits after the first processed job
	One
	// Batch exits once no job can be claimed
	Batch
)

// Default control values
const (
	DefaultPollInterval   = 3 * time.Second
	DefaultMaxRetries     = 5
	DefaultRetryBaseDelay = time.Second
)

// Hook runs in the worker process around the dispatch of a job
type Hook func(ctx context.Context, j *job.Job)

// Config holds worker configuration
type Config struct {
	Name        string
	Queues      []string
	Tags        []string
	MinPriority int

	PollInterval time.Duration
	Mode         Mode

	// Failed claims failed jobs instead of pending ones
	Failed bool

	// JobID processes exactly this job, whatever its state, then exits
	JobID string

	// LogOutput copies worker logs and child output into the log collection
	LogOutput bool

	// Silence stops child output from being echoed to this process
	Silence bool

	MaxRetries     int
	RetryBaseDelay time.Duration
	FailFast       bool

	PreCall  Hook
	PostCall Hook
}

// Worker represents one registered job worker
type Worker struct {
	cfg     Config
	gw      store.Gateway
	exec    Executor
	logger  *slog.Logger
	wakeups <-chan struct{}
	abort   context.Context
	retrier *Retrier

	id        atomic.Value
	processed atomic.Int64
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithWakeups lets deliveries on ch cut a poll sleep short
func WithWakeups(ch <-chan struct{}) Option {
	return func(w *Worker) { w.wakeups = ch }
}

// WithAbort kills the job in flight once ctx is done. The job is recorded
// as failed and the worker exits through its normal cleanup.
func WithAbort(ctx context.Context) Option {
	return func(w *Worker) { w.abort = ctx }
}

// New creates a new worker instance
func New(gw store.Gateway, exec Executor, cfg Config, opts ...Option) *Worker {
	if cfg.Name == "" {
		cfg.Name = DefaultName()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	w := &Worker{
		cfg:    cfg,
		gw:     gw,
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.id.Store("")
	w.retrier = &Retrier{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Logger:     w.logger,
	}
	return w
}

// DefaultName is host.pid
func DefaultName() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s.%d", host, os.Getpid())
}

// SlotName is host.pid.slot, for workers sharing one process
func SlotName(slot int) string {
	return fmt.Sprintf("%s.%d", DefaultName(), slot)
}

// ID is the registry ID, empty until the worker has registered
func (w *Worker) ID() string {
	return w.id.Load().(string)
}

func (w *Worker) Name() string { return w.cfg.Name }

// NumProcessed counts jobs this worker run has finalized
func (w *Worker) NumProcessed() int64 {
	return w.processed.Load()
}

// NumBacklog counts due, unclaimed jobs this worker could claim
func (w *Worker) NumBacklog(ctx context.Context) (int64, error) {
	return w.gw.CountJobs(ctx, store.BacklogFilter(w.cfg.Queues, w.cfg.Tags, domain.Now()))
}

// Work registers the worker and runs the main loop until the mode's exit
// condition, a cancelled context, a requested shutdown (*ExitError) or a
// fatal error. The registry entry is marked finished on every exit path.
func (w *Worker) Work(ctx context.Context) (err error) {
	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.unregister()

	if w.cfg.LogOutput {
		h := joblog.NewHandler(w.logger.Handler(), w.gw, joblog.Tags{WorkerID: w.ID(), Logger: "worker"}, slog.LevelInfo)
		w.logger = slog.New(h)
		w.retrier.Logger = w.logger
	}

	w.logger.Info("Starting main loop",
		slog.String("worker", w.cfg.Name),
		slog.String("worker_id", w.ID()),
	)
	defer w.logger.Info("Exiting main loop", slog.String("worker_id", w.ID()))

	err = w.loop(ctx)
	var exitErr *ExitError
	if err != nil && ctx.Err() != nil && !errors.As(err, &exitErr) && !errors.Is(err, ErrRetryLimitReached) {
		w.logger.Info("Warm shutdown complete", slog.String("worker_id", w.ID()))
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	w.logListening()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var res domain.CheckInResult
		err := w.retrier.Do(ctx, "check in", func(ctx context.Context) (err error) {
			res, err = w.gw.CheckIn(ctx, w.ID(), domain.Now())
			return err
		})
		if err != nil {
			if err := w.handle(ctx, "check in", err); err != nil {
				return err
			}
			continue
		}
		if res.Terminate {
			w.logger.Info("Shutdown requested from store",
				slog.String("worker_id", w.ID()),
				slog.Int("status", res.TerminateStatus),
			)
			return &ExitError{Status: res.TerminateStatus}
		}

		doc, err := w.claim(ctx)
		if err != nil && w.cfg.JobID != "" && errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Error("No job with requested id", slog.String("job_id", w.cfg.JobID))
			return err
		}
		if err != nil {
			if err := w.handle(ctx, "claim", err); err != nil {
				return err
			}
			continue
		}

		if doc == nil {
			if w.cfg.Mode == Batch || w.cfg.JobID != "" {
				return nil
			}
			if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		if err := w.processJob(ctx, doc); err != nil {
			if err := w.handle(ctx, "finish", err); err != nil {
				return err
			}
		}

		if w.cfg.Mode == One || w.cfg.JobID != "" {
			return nil
		}
		w.logListening()
	}
}

// handle decides whether a loop error is fatal. Exhausted retries always
// are; other errors are fatal only with FailFast.
func (w *Worker) handle(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrRetryLimitReached) || ctx.Err() != nil || w.cfg.FailFast {
		return err
	}
	w.logger.Error("Worker loop error",
		slog.String("op", op),
		slog.Any("error", err),
	)
	return w.sleep(ctx, w.cfg.PollInterval)
}

func (w *Worker) claim(ctx context.Context) (*domain.JobDocument, error) {
	var doc *domain.JobDocument
	err := w.retrier.Do(ctx, "claim", func(ctx context.Context) (err error) {
		if w.cfg.JobID != "" {
			doc, err = w.gw.ClaimByID(ctx, w.cfg.JobID, w.ID())
			return err
		}
		doc, err = w.gw.Claim(ctx, store.ClaimRequest{
			WorkerID:    w.ID(),
			Queues:      w.cfg.Queues,
			Tags:        w.cfg.Tags,
			MinPriority: w.cfg.MinPriority,
			Failed:      w.cfg.Failed,
		})
		return err
	})
	return doc, err
}

func (w *Worker) register(ctx context.Context) error {
	now := domain.Now()
	doc := &domain.WorkerDocument{
		Name:      w.cfg.Name,
		Host:      hostname(),
		PID:       os.Getpid(),
		User:      username(),
		Started:   now,
		Finished:  domain.NullTime,
		CheckIn:   domain.NullTime,
		Working:   true,
		Queues:    nonNil(w.cfg.Queues),
		Tags:      nonNil(w.cfg.Tags),
		LogOutput: w.cfg.LogOutput,
	}
	err := w.retrier.Do(ctx, "register", func(ctx context.Context) error {
		return w.gw.RegisterWorker(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.id.Store(doc.ID)

	w.logger.Info("Worker registered",
		slog.String("worker_id", doc.ID),
		slog.String("name", doc.Name),
	)
	return nil
}

// unregister runs after the loop's context may already be cancelled
func (w *Worker) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.gw.UnregisterWorker(ctx, w.ID(), domain.Now()); err != nil {
		w.logger.Error("Failed to unregister worker",
			slog.String("worker_id", w.ID()),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Info("Worker unregistered",
		slog.String("worker_id", w.ID()),
		slog.Int64("processed", w.NumProcessed()),
	)
}

func (w *Worker) logListening() {
	w.logger.Info("Listening for jobs",
		slog.String("queues", strings.Join(w.cfg.Queues, ", ")),
		slog.String("tags", strings.Join(w.cfg.Tags, ", ")),
	)
}

func hostname() string {
	host, _ := os.Hostname()
	return host
}

func username() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
