package admin

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/scheduler"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/store/memory"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) NotifyEnqueued(_ context.Context, jobID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, jobID)
	return nil
}

func newService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	gw := memory.New()
	return New(gw, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), gw
}

func mustEnqueue(t *testing.T, s *Service, req EnqueueRequest) string {
	t.Helper()
	j, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return j.ID()
}

func TestService_Enqueue(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	s, gw := newService(t, WithNotifier(n))

	priority := 5
	after := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	id := mustEnqueue(t, s, EnqueueRequest{
		Queue:        "reports",
		Task:         "tasks.Render",
		Args:         []any{"q3"},
		Kwargs:       map[string]any{"format": "pdf"},
		Tags:         []string{"pdf", "pdf", "large"},
		Priority:     &priority,
		Timeout:      time.Minute,
		MutexKey:     "renderer",
		ProcessAfter: after,
	})

	doc, err := gw.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reports", doc.QueueName)
	assert.Equal(t, []string{"pdf", "large"}, doc.Tags)
	assert.Equal(t, 5, doc.Priority)
	assert.Equal(t, []any{"q3"}, doc.Execute.Args)
	assert.Equal(t, map[string]any{"format": "pdf"}, doc.Execute.Kwargs)
	assert.Equal(t, time.Minute, doc.Timeout)
	assert.Equal(t, &domain.Mutex{Key: "renderer", Count: 1}, doc.Mutex)
	assert.True(t, after.Equal(doc.ProcessAfter))
	assert.Equal(t, []string{id}, n.ids)

	_, err = s.Enqueue(ctx, EnqueueRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestService_GetJob(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)
	id := mustEnqueue(t, s, EnqueueRequest{Task: "tasks.OK"})

	doc, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, doc.Status())

	_, err = gw.ClaimByID(ctx, id, "w1")
	require.NoError(t, err)
	require.NoError(t, gw.FinishJob(ctx, id, false))

	doc, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFinished, doc.Status())

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_ListJobsPaging(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, mustEnqueue(t, s, EnqueueRequest{Task: "tasks.OK"}))
	}

	var got []string
	var cursor *store.Cursor
	pages := 0
	for {
		page, err := s.ListJobs(ctx, JobQuery{PageSize: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for _, d := range page.Jobs {
			got = append(got, d.ID)
		}
		if page.Next == nil {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, pages)
}

func TestService_ListJobsFilters(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)

	pending := mustEnqueue(t, s, EnqueueRequest{Queue: "a", Task: "tasks.OK"})
	low := -3
	lowPriority := mustEnqueue(t, s, EnqueueRequest{Queue: "a", Task: "tasks.OK", Priority: &low})
	failed := mustEnqueue(t, s, EnqueueRequest{Queue: "a", Task: "tasks.OK"})
	other := mustEnqueue(t, s, EnqueueRequest{Queue: "b", Task: "tasks.OK", Tags: []string{"x"}})
	running := mustEnqueue(t, s, EnqueueRequest{Queue: "c", Task: "tasks.Slow"})

	_, err := gw.ClaimByID(ctx, failed, "w1")
	require.NoError(t, err)
	require.NoError(t, gw.FinishJob(ctx, failed, true))
	_, err = gw.ClaimByID(ctx, running, "w2")
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   JobQuery
		want    []string
		wantErr error
	}{
		{name: "all", query: JobQuery{}, want: []string{pending, lowPriority, failed, other, running}},
		{name: "pending in queue", query: JobQuery{Queue: "a", Status: "pending"}, want: []string{pending, lowPriority}},
		{name: "running excludes finished failures", query: JobQuery{Status: "running"}, want: []string{running}},
		{name: "failed", query: JobQuery{Status: "failed"}, want: []string{failed}},
		{name: "tag filter", query: JobQuery{Queue: "b", Tags: []string{"x"}}, want: []string{other}},
		{name: "bad status", query: JobQuery{Status: "sleeping"}, wantErr: ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.ListJobs(ctx, tt.query)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, d := range page.Jobs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Nil(t, page.Next)
		})
	}
}

func TestService_JobControl(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)

	a := mustEnqueue(t, s, EnqueueRequest{Task: "tasks.A"})
	b := mustEnqueue(t, s, EnqueueRequest{Task: "tasks.B"})
	c := mustEnqueue(t, s, EnqueueRequest{Task: "tasks.B"})
	for _, id := range []string{a, b, c} {
		_, err := gw.ClaimByID(ctx, id, "w1")
		require.NoError(t, err)
	}
	require.NoError(t, gw.FinishJob(ctx, a, true))
	require.NoError(t, gw.FinishJob(ctx, b, true))

	n, err := s.ResetFailed(ctx, store.FailedSelector{FuncStr: "tasks.B"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.ResetFailed(ctx, store.FailedSelector{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.FinishJob(ctx, c)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.FinishJob(ctx, c)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	require.NoError(t, s.RequeueJob(ctx, c))
	doc, err := gw.GetJob(ctx, c)
	require.NoError(t, err)
	assert.False(t, doc.Processed)

	assert.ErrorIs(t, s.RequeueJob(ctx, "missing"), domain.ErrJobNotFound)
}

func registerWorker(t *testing.T, gw store.Gateway, name, host string) string {
	t.Helper()
	doc := &domain.WorkerDocument{
		Name:     name,
		Host:     host,
		Started:  domain.Now(),
		Finished: domain.NullTime,
		CheckIn:  domain.NullTime,
		Working:  true,
		Queues:   []string{"default"},
		Tags:     []string{},
	}
	require.NoError(t, gw.RegisterWorker(context.Background(), doc))
	return doc.ID
}

func TestService_WorkerControl(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)

	w1 := registerWorker(t, gw, "w1", "host-a")
	registerWorker(t, gw, "w2", "host-a")
	registerWorker(t, gw, "w3", "host-b")

	n, err := s.Shutdown(ctx, store.ShutdownSelector{Host: "host-a"}, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	res, err := gw.CheckIn(ctx, w1, domain.Now())
	require.NoError(t, err)
	assert.True(t, res.Terminate)
	assert.Equal(t, 2, res.TerminateStatus)

	n, err = s.ResetWorking(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	workers, err := s.Workers(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, workers)

	workers, err = s.Workers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, workers, 3)

	wi, err := s.Worker(ctx, w1)
	require.NoError(t, err)
	assert.Equal(t, "w1", wi.Name)
	assert.Equal(t, "host-a", wi.Host)

	_, err = s.Worker(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestService_Info(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)

	mustEnqueue(t, s, EnqueueRequest{Queue: "default", Task: "tasks.OK"})
	mustEnqueue(t, s, EnqueueRequest{Queue: "default", Task: "tasks.OK", Tags: []string{"pdf"}})
	mustEnqueue(t, s, EnqueueRequest{Queue: "emails", Task: "tasks.OK"})
	id := registerWorker(t, gw, "w1", "host-a")

	info, err := s.Info(ctx)
	require.NoError(t, err)

	require.Len(t, info.Queues, 2)
	assert.Equal(t, QueueInfo{
		Name:    "default",
		Pending: 2,
		Tags:    []TagCount{{Tag: "pdf", Count: 2}},
	}, info.Queues[0])
	assert.Equal(t, "emails", info.Queues[1].Name)
	assert.EqualValues(t, 1, info.Queues[1].Pending)

	require.Len(t, info.Workers, 1)
	assert.Equal(t, id, info.Workers[0].ID)
	assert.EqualValues(t, 2, info.Workers[0].Backlog)
	assert.EqualValues(t, 0, info.Workers[0].Processed)
}

func TestService_Tail(t *testing.T) {
	ctx := context.Background()
	s, gw := newService(t)

	id := mustEnqueue(t, s, EnqueueRequest{Task: "tasks.OK"})
	wid := registerWorker(t, gw, "tailed", "host-a")
	for _, msg := range []string{"one", "two"} {
		require.NoError(t, gw.AppendLog(ctx, &domain.LogEntry{JobID: id, WorkerID: wid, Level: "INFO", Message: msg}))
	}

	tests := []struct {
		name   string
		target TailTarget
	}{
		{name: "by job", target: TailTarget{JobID: id}},
		{name: "by worker id", target: TailTarget{WorkerID: wid}},
		{name: "by worker name", target: TailTarget{WorkerName: "tailed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			err := s.Tail(ctx, tt.target, false, func(e *domain.LogEntry) error {
				lines = append(lines, e.Message)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"one", "two"}, lines)
		})
	}

	err := s.Tail(ctx, TailTarget{}, false, func(*domain.LogEntry) error { return nil })
	assert.ErrorIs(t, err, ErrNoTailTarget)

	err = s.Tail(ctx, TailTarget{JobID: "missing"}, false, func(*domain.LogEntry) error { return nil })
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_Schedules(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	rule, err := s.Scheduler().AddRule(ctx, "@hourly", "tasks.Digest", scheduler.RuleOptions{Queue: "digests"})
	require.NoError(t, err)
	require.NoError(t, s.Scheduler().PauseRule(ctx, rule.ID, true))

	rules, err := s.Scheduler().Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Paused)
	assert.Equal(t, "digests", rules[0].Queue)
}
