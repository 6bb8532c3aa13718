// Package memory is an in-process Store Gateway. Every operation runs under
// one mutex, which gives the same single-document atomicity the networked
// backends provide. Intended for tests and single-host development.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

var _ store.Gateway = (*Store)(nil)

// FaultFunc is consulted before every operation; a non-nil return is
// reported as the operation's error. Used to simulate an unreachable store.
type FaultFunc func(op string) error

// Option configures the Store
type Option func(*Store)

// WithArchiveBudget caps the archive at roughly n bytes of JSON
func WithArchiveBudget(n int) Option {
	return func(s *Store) { s.archiveBudget = n }
}

// WithLogBudget caps the log collection at roughly n bytes of JSON
func WithLogBudget(n int) Option {
	return func(s *Store) { s.logBudget = n }
}

// WithFault installs a fault hook
func WithFault(fn FaultFunc) Option {
	return func(s *Store) { s.fault = fn }
}

type archived struct {
	doc  *domain.JobDocument
	size int
}

type logged struct {
	entry *domain.LogEntry
	size  int
}

// Store is a fully in-memory store.Gateway
type Store struct {
	mu sync.Mutex

	jobs    map[string]*domain.JobDocument
	archive []archived
	workers map[string]*domain.WorkerDocument
	rules   map[string]*domain.RuleDocument
	logs    []logged
	logSeq  int64

	archiveBudget int
	archiveBytes  int
	logBudget     int
	logBytes      int

	fault FaultFunc
}

// New returns an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[string]*domain.JobDocument),
		workers: make(map[string]*domain.WorkerDocument),
		rules:   make(map[string]*domain.RuleDocument),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault replaces the fault hook; nil clears it
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

// Migrate is a no-op for the memory store
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports the fault hook's verdict
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

// Close is a no-op for the memory store
func (s *Store) Close() error { return nil }

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// sortByEnqueued orders documents oldest first, breaking ties on ID
func sortByEnqueued(docs []*domain.JobDocument, reverse bool) {
	sort.SliceStable(docs, func(i, k int) bool {
		a, b := docs[i], docs[k]
		if reverse {
			a, b = b, a
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// InsertJob stores a copy of doc, assigning an ID if needed
func (s *Store) InsertJob(_ context.Context, doc *domain.JobDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert_job"); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	s.jobs[doc.ID] = doc.Clone()
	return nil
}

func (s *Store) tallyLocked() store.MutexTally {
	docs := make([]*domain.JobDocument, 0, len(s.jobs))
	for _, d := range s.jobs {
		docs = append(docs, d)
	}
	return store.TallyRunning(docs)
}

// Claim picks the oldest eligible job and claims it under the store lock
func (s *Store) Claim(_ context.Context, req store.ClaimRequest) (*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("claim"); err != nil {
		return nil, err
	}

	now := domain.Now()
	filter := store.ClaimFilter(req, now)
	tally := s.tallyLocked()

	candidates := make([]*domain.JobDocument, 0)
	for _, d := range s.jobs {
		if filter.Matches(d) && tally.Admits(d.Mutex) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortByEnqueued(candidates, false)

	d := candidates[0]
	d.Processed = true
	d.StartedAt = now
	d.StartedAtEpoch = domain.Epoch(now)
	d.ClaimedBy = req.WorkerID
	if req.Failed {
		d.Failed = false
		d.Finished = false
	}
	return d.Clone(), nil
}

// ClaimByID claims jobID whatever its state
func (s *Store) ClaimByID(_ context.Context, jobID, workerID string) (*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("claim_by_id"); err != nil {
		return nil, err
	}
	d, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	now := domain.Now()
	d.Processed = true
	d.Failed = false
	d.Finished = false
	d.StartedAt = now
	d.StartedAtEpoch = domain.Epoch(now)
	d.ClaimedBy = workerID
	return d.Clone(), nil
}

// GetJob returns a live job
func (s *Store) GetJob(_ context.Context, jobID string) (*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_job"); err != nil {
		return nil, err
	}
	d, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return d.Clone(), nil
}

// GetArchivedJob returns a job from the archive
func (s *Store) GetArchivedJob(_ context.Context, jobID string) (*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_archived_job"); err != nil {
		return nil, err
	}
	for _, a := range s.archive {
		if a.doc.ID == jobID {
			return a.doc.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

// FinishJob finalizes a job and archives it when it succeeded
func (s *Store) FinishJob(_ context.Context, jobID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("finish_job"); err != nil {
		return err
	}
	d, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := domain.Now()
	d.Processed = true
	d.Finished = true
	d.Failed = failed
	d.FinishedAt = now
	d.FinishedAtEpoch = domain.Epoch(now)
	if failed {
		return nil
	}

	delete(s.jobs, jobID)
	size := jsonSize(d)
	s.archive = append(s.archive, archived{doc: d, size: size})
	s.archiveBytes += size
	for s.archiveBudget > 0 && s.archiveBytes > s.archiveBudget && len(s.archive) > 1 {
		s.archiveBytes -= s.archive[0].size
		s.archive = s.archive[1:]
	}
	return nil
}

// RequeueJob marks a job unclaimed again
func (s *Store) RequeueJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("requeue_job"); err != nil {
		return err
	}
	d, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	d.Processed = false
	return nil
}

// CountJobs counts live jobs matching f
func (s *Store) CountJobs(_ context.Context, f store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count_jobs"); err != nil {
		return 0, err
	}
	var n int64
	for _, d := range s.jobs {
		if f.Matches(d) {
			n++
		}
	}
	return n, nil
}

func afterCursor(d *domain.JobDocument, c *store.Cursor, reverse bool) bool {
	if c == nil {
		return true
	}
	if d.EnqueuedAt.Equal(c.EnqueuedAt) {
		if reverse {
			return d.ID < c.JobID
		}
		return d.ID > c.JobID
	}
	if reverse {
		return d.EnqueuedAt.Before(c.EnqueuedAt)
	}
	return d.EnqueuedAt.After(c.EnqueuedAt)
}

// ListJobs lists live jobs matching f
func (s *Store) ListJobs(_ context.Context, f store.Filter, opts store.ListOptions) ([]*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_jobs"); err != nil {
		return nil, err
	}
	out := make([]*domain.JobDocument, 0)
	for _, d := range s.jobs {
		if f.Matches(d) && afterCursor(d, opts.Cursor, opts.Reverse) {
			out = append(out, d.Clone())
		}
	}
	sortByEnqueued(out, opts.Reverse)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// DistinctQueues lists queue names present in the live collection
func (s *Store) DistinctQueues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("distinct_queues"); err != nil {
		return nil, err
	}
	var names []string
	for _, d := range s.jobs {
		if !slices.Contains(names, d.QueueName) {
			names = append(names, d.QueueName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DistinctTags lists the tags used by jobs in one queue
func (s *Store) DistinctTags(_ context.Context, queueName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("distinct_tags"); err != nil {
		return nil, err
	}
	var tags []string
	for _, d := range s.jobs {
		if d.QueueName != queueName {
			continue
		}
		for _, t := range d.Tags {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// MutexTally counts running jobs per mutex key
func (s *Store) MutexTally(_ context.Context) (store.MutexTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mutex_tally"); err != nil {
		return nil, err
	}
	return s.tallyLocked(), nil
}

// ResetFailed flags failed jobs as fixed
func (s *Store) ResetFailed(_ context.Context, sel store.FailedSelector) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("reset_failed"); err != nil {
		return 0, err
	}
	var n int64
	for _, d := range s.jobs {
		if !d.Failed {
			continue
		}
		if sel.JobID != "" && d.ID != sel.JobID {
			continue
		}
		if sel.FuncStr != "" && d.Execute.FuncStr != sel.FuncStr {
			continue
		}
		d.Failed = false
		n++
	}
	return n, nil
}

// ForceFinish flags an unfinished job as finished without archiving it
func (s *Store) ForceFinish(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("force_finish"); err != nil {
		return 0, err
	}
	d, ok := s.jobs[jobID]
	if !ok || d.Finished {
		return 0, nil
	}
	now := domain.Now()
	d.Finished = true
	d.FinishedAt = now
	d.FinishedAtEpoch = domain.Epoch(now)
	return 1, nil
}

// CountClaimedBy counts live and archived jobs claimed by a worker
func (s *Store) CountClaimedBy(_ context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count_claimed_by"); err != nil {
		return 0, err
	}
	var n int64
	for _, d := range s.jobs {
		if d.ClaimedBy == workerID {
			n++
		}
	}
	for _, a := range s.archive {
		if a.doc.ClaimedBy == workerID {
			n++
		}
	}
	return n, nil
}

// LastJobFor returns the most recently enqueued live job claimed by a worker
func (s *Store) LastJobFor(_ context.Context, workerID string) (*domain.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("last_job_for"); err != nil {
		return nil, err
	}
	var last *domain.JobDocument
	for _, d := range s.jobs {
		if d.ClaimedBy != workerID {
			continue
		}
		if last == nil || d.EnqueuedAt.After(last.EnqueuedAt) {
			last = d
		}
	}
	if last == nil {
		return nil, domain.ErrJobNotFound
	}
	return last.Clone(), nil
}

// ──────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────

func cloneWorker(w *domain.WorkerDocument) *domain.WorkerDocument {
	cp := *w
	cp.Queues = append([]string(nil), w.Queues...)
	cp.Tags = append([]string(nil), w.Tags...)
	return &cp
}

// RegisterWorker inserts a worker document
func (s *Store) RegisterWorker(_ context.Context, doc *domain.WorkerDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("register_worker"); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	s.workers[doc.ID] = cloneWorker(doc)
	return nil
}

// CheckIn stamps the heartbeat and returns the terminate request
func (s *Store) CheckIn(_ context.Context, workerID string, at time.Time) (domain.CheckInResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("check_in"); err != nil {
		return domain.CheckInResult{}, err
	}
	w, ok := s.workers[workerID]
	if !ok {
		return domain.CheckInResult{}, nil
	}
	res := domain.CheckInResult{Terminate: w.Terminate, TerminateStatus: w.TerminateStatus}
	w.CheckIn = at
	w.Working = true
	return res, nil
}

// UnregisterWorker marks a worker finished
func (s *Store) UnregisterWorker(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("unregister_worker"); err != nil {
		return err
	}
	w, ok := s.workers[workerID]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	w.Working = false
	w.Finished = at
	return nil
}

// GetWorker returns one worker document
func (s *Store) GetWorker(_ context.Context, workerID string) (*domain.WorkerDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_worker"); err != nil {
		return nil, err
	}
	w, ok := s.workers[workerID]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

// FindWorkerByName returns the most recently started worker with name
func (s *Store) FindWorkerByName(_ context.Context, name string) (*domain.WorkerDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("find_worker"); err != nil {
		return nil, err
	}
	var found *domain.WorkerDocument
	for _, w := range s.workers {
		if w.Name == name && (found == nil || w.Started.After(found.Started)) {
			found = w
		}
	}
	if found == nil {
		return nil, domain.ErrWorkerNotFound
	}
	return cloneWorker(found), nil
}

// ListWorkers lists workers ordered by start time
func (s *Store) ListWorkers(_ context.Context, workingOnly bool) ([]*domain.WorkerDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_workers"); err != nil {
		return nil, err
	}
	out := make([]*domain.WorkerDocument, 0, len(s.workers))
	for _, w := range s.workers {
		if workingOnly && !w.Working {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Started.Before(out[k].Started) })
	return out, nil
}

// RequestShutdown sets the terminate flag on matching working workers
func (s *Store) RequestShutdown(_ context.Context, sel store.ShutdownSelector, status int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("request_shutdown"); err != nil {
		return 0, err
	}
	var n int64
	for _, w := range s.workers {
		if !w.Working {
			continue
		}
		if sel.WorkerID != "" && w.ID != sel.WorkerID {
			continue
		}
		if sel.Host != "" && w.Host != sel.Host {
			continue
		}
		if sel.Name != "" && w.Name != sel.Name {
			continue
		}
		w.Terminate = true
		w.TerminateStatus = status
		n++
	}
	return n, nil
}

// ResetWorking flags every working worker as not working
func (s *Store) ResetWorking(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("reset_working"); err != nil {
		return 0, err
	}
	var n int64
	for _, w := range s.workers {
		if w.Working {
			w.Working = false
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Schedule rules
// ──────────────────────────────────────────────────

func cloneRule(r *domain.RuleDocument) *domain.RuleDocument {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	return &cp
}

// InsertRule stores a rule
func (s *Store) InsertRule(_ context.Context, doc *domain.RuleDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert_rule"); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = domain.NewID()
	}
	s.rules[doc.ID] = cloneRule(doc)
	return nil
}

// GetRule returns one rule
func (s *Store) GetRule(_ context.Context, ruleID string) (*domain.RuleDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_rule"); err != nil {
		return nil, err
	}
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, domain.ErrRuleNotFound
	}
	return cloneRule(r), nil
}

func (s *Store) listRules(activeOnly bool) []*domain.RuleDocument {
	out := make([]*domain.RuleDocument, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && (r.Paused || !r.Active) {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Created.Before(out[k].Created) })
	return out
}

// ListRules returns every rule
func (s *Store) ListRules(_ context.Context) ([]*domain.RuleDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_rules"); err != nil {
		return nil, err
	}
	return s.listRules(false), nil
}

// ActiveRules returns unpaused, active rules
func (s *Store) ActiveRules(_ context.Context) ([]*domain.RuleDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("active_rules"); err != nil {
		return nil, err
	}
	return s.listRules(true), nil
}

// AdvanceRule moves checked from expected to next if nobody else did first
func (s *Store) AdvanceRule(_ context.Context, ruleID string, expected, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("advance_rule"); err != nil {
		return false, err
	}
	r, ok := s.rules[ruleID]
	if !ok || !r.Checked.Equal(expected) {
		return false, nil
	}
	r.Checked = next
	return true, nil
}

// UpdateRule applies the non-nil fields of upd
func (s *Store) UpdateRule(_ context.Context, ruleID string, upd store.RuleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("update_rule"); err != nil {
		return err
	}
	r, ok := s.rules[ruleID]
	if !ok {
		return domain.ErrRuleNotFound
	}
	if upd.Rule != nil {
		r.Rule = *upd.Rule
	}
	if upd.Task != nil {
		r.Task = *upd.Task
	}
	if upd.Queue != nil {
		r.Queue = *upd.Queue
	}
	if upd.Tags != nil {
		r.Tags = append([]string(nil), upd.Tags...)
	}
	if upd.Paused != nil {
		r.Paused = *upd.Paused
	}
	r.Modified = domain.Now()
	return nil
}

// RemoveRule deletes a rule
func (s *Store) RemoveRule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("remove_rule"); err != nil {
		return err
	}
	if _, ok := s.rules[ruleID]; !ok {
		return domain.ErrRuleNotFound
	}
	delete(s.rules, ruleID)
	return nil
}

// ──────────────────────────────────────────────────
// Logs
// ──────────────────────────────────────────────────

// AppendLog appends a log entry, evicting the oldest past the byte budget
func (s *Store) AppendLog(_ context.Context, entry *domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append_log"); err != nil {
		return err
	}
	s.logSeq++
	cp := *entry
	cp.Seq = s.logSeq
	if cp.ID == "" {
		cp.ID = domain.NewID()
	}
	if cp.Time.IsZero() {
		cp.Time = domain.Now()
	}
	entry.ID, entry.Seq, entry.Time = cp.ID, cp.Seq, cp.Time

	size := jsonSize(&cp)
	s.logs = append(s.logs, logged{entry: &cp, size: size})
	s.logBytes += size
	for s.logBudget > 0 && s.logBytes > s.logBudget && len(s.logs) > 1 {
		s.logBytes -= s.logs[0].size
		s.logs = s.logs[1:]
	}
	return nil
}

// ReadLogs returns entries for a job or worker after q.AfterSeq
func (s *Store) ReadLogs(_ context.Context, q store.LogQuery) ([]*domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("read_logs"); err != nil {
		return nil, err
	}
	out := make([]*domain.LogEntry, 0)
	for _, l := range s.logs {
		e := l.entry
		if e.Seq <= q.AfterSeq {
			continue
		}
		if q.JobID != "" && e.JobID != q.JobID {
			continue
		}
		if q.WorkerID != "" && e.WorkerID != q.WorkerID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
