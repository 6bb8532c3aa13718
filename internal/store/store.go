// Package store defines the Store Gateway: the only path through which
// producers, workers and schedulers touch the shared store. Backends live in
// the mongo, postgres and memory subpackages.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

// JobStore covers the live job collection and the finished-job archive.
type JobStore interface {
	// InsertJob persists a new job. An empty ID is assigned by the store.
	InsertJob(ctx context.Context, doc *domain.JobDocument) error

	// Claim atomically claims the oldest job matching req and returns its
	// claimed state, or nil when nothing matched.
	Claim(ctx context.Context, req ClaimRequest) (*domain.JobDocument, error)

	// ClaimByID claims one job regardless of its current claim state.
	ClaimByID(ctx context.Context, jobID, workerID string) (*domain.JobDocument, error)

	GetJob(ctx context.Context, jobID string) (*domain.JobDocument, error)
	GetArchivedJob(ctx context.Context, jobID string) (*domain.JobDocument, error)

	// FinishJob marks a job finished and, when it did not fail, moves it
	// from the live collection into the archive.
	FinishJob(ctx context.Context, jobID string, failed bool) error

	// RequeueJob resets processed so the job can be claimed again.
	RequeueJob(ctx context.Context, jobID string) error

	CountJobs(ctx context.Context, f Filter) (int64, error)
	ListJobs(ctx context.Context, f Filter, opts ListOptions) ([]*domain.JobDocument, error)
	DistinctQueues(ctx context.Context) ([]string, error)
	DistinctTags(ctx context.Context, queueName string) ([]string, error)

	// MutexTally counts claimed-but-unfinished jobs per mutex key.
	MutexTally(ctx context.Context) (MutexTally, error)

	ResetFailed(ctx context.Context, sel FailedSelector) (int64, error)
	ForceFinish(ctx context.Context, jobID string) (int64, error)
	CountClaimedBy(ctx context.Context, workerID string) (int64, error)
	LastJobFor(ctx context.Context, workerID string) (*domain.JobDocument, error)
}

// WorkerStore covers the worker registry.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, doc *domain.WorkerDocument) error

	// CheckIn atomically stamps check_in and working=true and reads back the
	// remote shutdown request.
	CheckIn(ctx context.Context, workerID string, at time.Time) (domain.CheckInResult, error)

	UnregisterWorker(ctx context.Context, workerID string, at time.Time) error
	GetWorker(ctx context.Context, workerID string) (*domain.WorkerDocument, error)
	FindWorkerByName(ctx context.Context, name string) (*domain.WorkerDocument, error)
	ListWorkers(ctx context.Context, workingOnly bool) ([]*domain.WorkerDocument, error)
	RequestShutdown(ctx context.Context, sel ShutdownSelector, status int) (int64, error)
	ResetWorking(ctx context.Context) (int64, error)
}

// RuleStore covers the schedule-rule collection.
type RuleStore interface {
	InsertRule(ctx context.Context, doc *domain.RuleDocument) error
	GetRule(ctx context.Context, ruleID string) (*domain.RuleDocument, error)
	ListRules(ctx context.Context) ([]*domain.RuleDocument, error)

	// ActiveRules returns rules with paused=false and active=true.
	ActiveRules(ctx context.Context) ([]*domain.RuleDocument, error)

	// AdvanceRule sets checked=next only if checked still equals expected.
	// It reports whether this caller won the advance.
	AdvanceRule(ctx context.Context, ruleID string, expected, next time.Time) (bool, error)

	UpdateRule(ctx context.Context, ruleID string, upd RuleUpdate) error
	RemoveRule(ctx context.Context, ruleID string) error
}

// LogStore covers the bounded log collection.
type LogStore interface {
	AppendLog(ctx context.Context, entry *domain.LogEntry) error
	ReadLogs(ctx context.Context, q LogQuery) ([]*domain.LogEntry, error)
}

// Gateway is the full shared-store capability set.
type Gateway interface {
	JobStore
	WorkerStore
	RuleStore
	LogStore

	// Migrate creates collections, capped collections and indexes.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ClaimRequest describes who is claiming and what it may claim
type ClaimRequest struct {
	WorkerID    string
	Queues      []string
	Tags        []string
	MinPriority int
	Failed      bool
}

// ListOptions controls ordering and paging for ListJobs
type ListOptions struct {
	Limit   int
	Reverse bool
	Cursor  *Cursor
}

// Cursor marks the last row of the previous page, ordered by
// (enqueued_at, id) in the direction of the listing
type Cursor struct {
	EnqueuedAt time.Time
	JobID      string
}

// FailedSelector selects failed jobs to flag as fixed. Zero value selects all.
type FailedSelector struct {
	JobID   string
	FuncStr string
}

// ShutdownSelector selects working workers to terminate. Zero value selects all.
type ShutdownSelector struct {
	WorkerID string
	Host     string
	Name     string
}

// RuleUpdate holds optional rule changes; nil fields are left untouched
type RuleUpdate struct {
	Rule   *string
	Task   *string
	Queue  *string
	Tags   []string
	Paused *bool
}

// LogQuery selects log lines for one job or one worker after a sequence cursor
type LogQuery struct {
	JobID    string
	WorkerID string
	AfterSeq int64
	Limit    int
}
