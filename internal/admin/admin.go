// Package admin holds the operator operations shared by the HTTP API and
// taskctl: enqueueing, inspection, log tailing and the control actions on
// workers, failed jobs and schedule rules.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/joblog"
	"github.com/cuongbtq/taskq/internal/queue"
	"github.com/cuongbtq/taskq/internal/scheduler"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/worker"
)

// Paging limits for ListJobs
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Service handles administrative operations against the shared store
type Service struct {
	gw       store.Gateway
	logger   *slog.Logger
	notifier queue.Notifier
	sched    *scheduler.Scheduler
}

// Option configures a Service
type Option func(*Service)

// WithNotifier publishes enqueue notifications for jobs enqueued here
func WithNotifier(n queue.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// New creates a new Service instance
func New(gw store.Gateway, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{gw: gw, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	schedOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if s.notifier != nil {
		schedOpts = append(schedOpts, scheduler.WithNotifier(s.notifier))
	}
	s.sched = scheduler.New(gw, scheduler.Config{}, schedOpts...)
	return s
}

// EnqueueRequest describes one job to enqueue
type EnqueueRequest struct {
	Queue        string
	Task         string
	Args         []any
	Kwargs       map[string]any
	Tags         []string
	Priority     *int
	Timeout      time.Duration
	MutexKey     string
	MutexCount   int // 0 means 1; negative is rejected
	ProcessAfter time.Time
}

// Enqueue validates and inserts a job
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Job, error) {
	var qopts []queue.Option
	qopts = append(qopts, queue.WithLogger(s.logger))
	if s.notifier != nil {
		qopts = append(qopts, queue.WithNotifier(s.notifier))
	}
	q := queue.New(s.gw, req.Queue, qopts...)

	opts := []queue.EnqueueOption{queue.Tags(req.Tags...), queue.Timeout(req.Timeout)}
	if req.Priority != nil {
		opts = append(opts, queue.Priority(*req.Priority))
	}
	if req.MutexKey != "" {
		count := req.MutexCount
		if count == 0 {
			count = 1
		}
		opts = append(opts, queue.Mutex(req.MutexKey, count))
	}
	if !req.ProcessAfter.IsZero() {
		opts = append(opts, queue.ProcessAfter(req.ProcessAfter))
	}

	var args, kwargs any
	if req.Args != nil {
		args = req.Args
	}
	if req.Kwargs != nil {
		kwargs = req.Kwargs
	}
	return q.EnqueueCall(ctx, req.Task, args, kwargs, opts...)
}

// GetJob loads a job from the live collection or the archive
func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.JobDocument, error) {
	j, err := job.Get(ctx, s.gw, jobID)
	if err != nil {
		return nil, err
	}
	return j.Document(), nil
}

// JobQuery selects a page of live jobs
type JobQuery struct {
	Queue    string
	Tags     []string
	Status   string
	PageSize int
	Cursor   *store.Cursor
}

// JobPage is one page of ListJobs; Next is nil on the last page
type JobPage struct {
	Jobs []*domain.JobDocument
	Next *store.Cursor
}

// ListJobs pages through live jobs ordered by enqueue time
func (s *Service) ListJobs(ctx context.Context, q JobQuery) (*JobPage, error) {
	f := store.Filter{MinPriority: store.AnyPriority}
	if q.Status == domain.JobStatusRunning {
		f = store.RunningFilter()
	}
	f.Tags = q.Tags
	if q.Queue != "" {
		f.Queues = []string{q.Queue}
	}
	switch q.Status {
	case "", domain.JobStatusAll:
	case domain.JobStatusPending:
		f.Processed = store.Bool(false)
	case domain.JobStatusRunning:
	case domain.JobStatusFailed:
		f.Failed = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, q.Status)
	}

	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	docs, err := s.gw.ListJobs(ctx, f, store.ListOptions{Limit: size + 1, Cursor: q.Cursor})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &JobPage{Jobs: docs}
	if len(docs) > size {
		page.Jobs = docs[:size]
		last := page.Jobs[size-1]
		page.Next = &store.Cursor{EnqueuedAt: last.EnqueuedAt, JobID: last.ID}
	}
	return page, nil
}

// RequeueJob makes a claimed job claimable again
func (s *Service) RequeueJob(ctx context.Context, jobID string) error {
	if err := s.gw.RequeueJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	s.logger.Info("Job requeued", slog.String("job_id", jobID))
	return nil
}

// ResetWorking flags every working worker as not working. Live workers set
// it again on their next check-in.
func (s *Service) ResetWorking(ctx context.Context) (int64, error) {
	n, err := s.gw.ResetWorking(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset workers: %w", err)
	}
	s.logger.Info("Bounced workers", slog.Int64("count", n))
	return n, nil
}

// ResetFailed flags failed jobs as fixed
func (s *Service) ResetFailed(ctx context.Context, sel store.FailedSelector) (int64, error) {
	n, err := s.gw.ResetFailed(ctx, sel)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed jobs: %w", err)
	}
	s.logger.Info("Flagged jobs as not failed",
		slog.Int64("count", n),
		slog.String("job_id", sel.JobID),
		slog.String("func", sel.FuncStr),
	)
	return n, nil
}

// FinishJob flags an unfinished job as finished
func (s *Service) FinishJob(ctx context.Context, jobID string) (int64, error) {
	n, err := s.gw.ForceFinish(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	s.logger.Info("Flagged jobs as finished",
		slog.Int64("count", n),
		slog.String("job_id", jobID),
	)
	return n, nil
}

// Shutdown asks matching workers to exit with status on their next
// check-in
func (s *Service) Shutdown(ctx context.Context, sel store.ShutdownSelector, status int) (int64, error) {
	n, err := s.gw.RequestShutdown(ctx, sel, status)
	if err != nil {
		return 0, fmt.Errorf("failed to request shutdown: %w", err)
	}
	s.logger.Info("Shutting down workers",
		slog.Int64("count", n),
		slog.Int("status", status),
	)
	return n, nil
}

// Scheduler exposes the rule operations
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// JobLogs reads one page of a job's log lines after afterSeq
func (s *Service) JobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.LogEntry, error) {
	if _, err := job.Get(ctx, s.gw, jobID); err != nil {
		return nil, err
	}
	entries, err := s.gw.ReadLogs(ctx, store.LogQuery{JobID: jobID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of job %s: %w", jobID, err)
	}
	return entries, nil
}

// TailTarget names whose log lines to read; exactly one field is set
type TailTarget struct {
	JobID      string
	WorkerID   string
	WorkerName string
}

// Tail reads log lines for a job or worker, following until it finishes
// when follow is set
func (s *Service) Tail(ctx context.Context, target TailTarget, follow bool, fn func(*domain.LogEntry) error) error {
	stream, err := s.stream(ctx, target)
	if err != nil {
		return err
	}
	return stream.Lines(ctx, follow, fn)
}

func (s *Service) stream(ctx context.Context, target TailTarget) (*joblog.Stream, error) {
	switch {
	case target.JobID != "":
		j, err := job.Get(ctx, s.gw, target.JobID)
		if err != nil {
			return nil, err
		}
		return j.Stream(), nil
	case target.WorkerID != "":
		p, err := worker.GetProxy(ctx, s.gw, target.WorkerID)
		if err != nil {
			return nil, err
		}
		return p.Stream(), nil
	case target.WorkerName != "":
		p, err := worker.FindProxy(ctx, s.gw, target.WorkerName)
		if err != nil {
			return nil, err
		}
		return p.Stream(), nil
	default:
		return nil, ErrNoTailTarget
	}
}
