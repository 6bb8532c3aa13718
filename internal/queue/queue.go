// Package queue is the producer facet of the job store: it validates and
// inserts jobs and answers backlog questions about one named queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/store"
)

const recentLimit = 30

// Notifier is told about every inserted job. Implementations only shorten
// worker poll sleeps; they never deliver work.
type Notifier interface {
	NotifyEnqueued(ctx context.Context, jobID, queueName string) error
}

// Queue enqueues into and inspects one named queue
type Queue struct {
	gw       store.Gateway
	name     string
	tags     []string
	priority int
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithTags sets the default tags given to every job
func WithTags(tags ...string) Option {
	return func(q *Queue) { q.tags = append([]string(nil), tags...) }
}

// WithPriority sets the default priority of enqueued jobs and the minimum
// priority Count and Pop consider
func WithPriority(p int) Option {
	return func(q *Queue) { q.priority = p }
}

// WithNotifier publishes a notification after every insert
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a Queue. An empty name means domain.DefaultQueueName.
func New(gw store.Gateway, name string, opts ...Option) *Queue {
	if name == "" {
		name = domain.DefaultQueueName
	}
	q := &Queue{
		gw:     gw,
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Tags() []string { return q.tags }

func (q *Queue) String() string {
	return fmt.Sprintf("<queue name:%s tags:%v>", q.name, q.tags)
}

type enqueueOptions struct {
	tags         []string
	priority     *int
	timeout      time.Duration
	mutex        *domain.Mutex
	processAfter time.Time
	err          error
}

// EnqueueOption adjusts a single enqueue
type EnqueueOption func(*enqueueOptions)

// Tags appends tags to the queue's default tags
func Tags(tags ...string) EnqueueOption {
	return func(o *enqueueOptions) { o.tags = append(o.tags, tags...) }
}

// Priority overrides the queue's default priority
func Priority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = &p }
}

// Timeout bounds the job's execution time
func Timeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.timeout = d }
}

// Mutex caps how many jobs holding key may run at once. The key must be
// non-empty and count at least 1.
func Mutex(key string, count int) EnqueueOption {
	return func(o *enqueueOptions) {
		switch {
		case key == "":
			o.err = fmt.Errorf("%w: empty mutex key", domain.ErrInvalidArguments)
		case count < 1:
			o.err = fmt.Errorf("%w: mutex count %d for %q, must be at least 1", domain.ErrInvalidArguments, count, key)
		default:
			o.mutex = &domain.Mutex{Key: key, Count: count}
		}
	}
}

// ProcessAfter delays eligibility until t
func ProcessAfter(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.processAfter = t }
}

// EnqueueCall validates a deferred call and inserts it as a new job.
// target is a task name or a func value; args is nil or a slice; kwargs is
// nil or a string-keyed map.
func (q *Queue) EnqueueCall(ctx context.Context, target, args, kwargs any, opts ...EnqueueOption) (*job.Job, error) {
	funcStr, err := job.TargetName(target)
	if err != nil {
		return nil, err
	}
	a, err := job.NormalizeArgs(args)
	if err != nil {
		return nil, err
	}
	kw, err := job.NormalizeKwargs(kwargs)
	if err != nil {
		return nil, err
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}

	now := domain.Now()
	doc := &domain.JobDocument{
		QueueName:       q.name,
		Tags:            dedupe(append(append([]string{}, q.tags...), o.tags...)),
		Priority:        q.priority,
		Execute:         domain.Execute{FuncStr: funcStr, Args: a, Kwargs: kw},
		EnqueuedAt:      now,
		EnqueuedAtEpoch: domain.Epoch(now),
		StartedAt:       domain.NullTime,
		FinishedAt:      domain.NullTime,
		ProcessAfter:    now,
		Timeout:         o.timeout,
		ClaimedBy:       domain.Unclaimed,
		Mutex:           o.mutex,
	}
	if o.priority != nil {
		doc.Priority = *o.priority
	}
	if !o.processAfter.IsZero() {
		doc.ProcessAfter = o.processAfter.UTC().Truncate(time.Millisecond)
	}

	if err := q.gw.InsertJob(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", funcStr, err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", doc.ID),
		slog.String("queue", q.name),
		slog.String("func", funcStr),
	)

	if q.notifier != nil {
		if err := q.notifier.NotifyEnqueued(ctx, doc.ID, q.name); err != nil {
			q.logger.Warn("Failed to publish enqueue notification",
				slog.String("job_id", doc.ID),
				slog.Any("error", err),
			)
		}
	}

	return job.New(q.gw, doc), nil
}

// Enqueue is EnqueueCall with positional arguments and no options
func (q *Queue) Enqueue(ctx context.Context, target any, args ...any) (*job.Job, error) {
	return q.EnqueueCall(ctx, target, args, nil)
}

func (q *Queue) pending() store.Filter {
	return store.Filter{
		Queues:      []string{q.name},
		Tags:        q.tags,
		MinPriority: q.priority,
		Processed:   store.Bool(false),
		DueAt:       domain.Now(),
	}
}

// Count is the number of due, unclaimed jobs this queue's tags accept
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return q.gw.CountJobs(ctx, q.pending())
}

// NumFailed is the number of failed jobs this queue's tags accept
func (q *Queue) NumFailed(ctx context.Context) (int64, error) {
	return q.gw.CountJobs(ctx, store.Filter{
		Queues: []string{q.name},
		Tags:   q.tags,
		Failed: true,
		DueAt:  domain.Now(),
	})
}

// IsEmpty reports whether Count is zero
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// AllTags lists every tag used by live jobs in this queue
func (q *Queue) AllTags(ctx context.Context) ([]string, error) {
	return q.gw.DistinctTags(ctx, q.name)
}

// TagCount counts unclaimed jobs in this queue that a worker filtering on
// tags would accept
func (q *Queue) TagCount(ctx context.Context, tags ...string) (int64, error) {
	return q.gw.CountJobs(ctx, store.Filter{
		Queues:    []string{q.name},
		Tags:      tags,
		Processed: store.Bool(false),
	})
}

// Pop claims the oldest eligible job on behalf of workerID, or returns nil
func (q *Queue) Pop(ctx context.Context, workerID string) (*job.Job, error) {
	doc, err := q.gw.Claim(ctx, store.ClaimRequest{
		WorkerID:    workerID,
		Queues:      []string{q.name},
		Tags:        q.tags,
		MinPriority: q.priority,
	})
	if err != nil || doc == nil {
		return nil, err
	}
	return job.New(q.gw, doc), nil
}

// Jobs lists the pending jobs, oldest first
func (q *Queue) Jobs(ctx context.Context) ([]*job.Job, error) {
	return q.list(ctx, q.pending(), store.ListOptions{})
}

// FinishedJobs lists the most recent claimed jobs still in the live
// collection, newest first
func (q *Queue) FinishedJobs(ctx context.Context) ([]*job.Job, error) {
	f := q.pending()
	f.Processed = store.Bool(true)
	return q.list(ctx, f, store.ListOptions{Limit: recentLimit, Reverse: true})
}

// AllJobs lists the most recent live jobs in any state, newest first
func (q *Queue) AllJobs(ctx context.Context) ([]*job.Job, error) {
	f := q.pending()
	f.Processed = nil
	return q.list(ctx, f, store.ListOptions{Limit: recentLimit, Reverse: true})
}

func (q *Queue) list(ctx context.Context, f store.Filter, opts store.ListOptions) ([]*job.Job, error) {
	docs, err := q.gw.ListJobs(ctx, f, opts)
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(docs))
	for _, d := range docs {
		jobs = append(jobs, job.New(q.gw, d))
	}
	return jobs, nil
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
