package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
	"github.com/cuongbtq/taskq/internal/queue"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/store/memory"
)

// fakeExecutor records which jobs ran and returns a configured result per
// task name
type fakeExecutor struct {
	mu      sync.Mutex
	ran     []string
	results map[string]Result
	output  string
	started chan string
	release chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, doc *domain.JobDocument, stdout, _ io.Writer) (Result, error) {
	if f.started != nil {
		f.started <- doc.ID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Result{ExitCode: -1, Killed: true}, nil
		}
	}
	if f.output != "" {
		_, _ = io.WriteString(stdout, f.output)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, doc.ID)
	return f.results[doc.Execute.FuncStr], nil
}

func (f *fakeExecutor) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func enqueue(t *testing.T, gw store.Gateway, queueName, task string, opts ...queue.EnqueueOption) string {
	t.Helper()
	j, err := queue.New(gw, queueName).EnqueueCall(context.Background(), task, nil, nil, opts...)
	require.NoError(t, err)
	return j.ID()
}

func testConfig() Config {
	return Config{
		Name:           "test-worker",
		PollInterval:   10 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		MaxRetries:     2,
		Silence:        true,
	}
}

func TestWorker_Batch(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	exec := &fakeExecutor{results: map[string]Result{"tasks.Fail": {ExitCode: 1}}}

	ok1 := enqueue(t, gw, "default", "tasks.OK")
	failed := enqueue(t, gw, "default", "tasks.Fail")
	ok2 := enqueue(t, gw, "default", "tasks.OK")

	cfg := testConfig()
	cfg.Mode = Batch
	w := New(gw, exec, cfg, WithLogger(quietLogger()))

	require.NoError(t, w.Work(ctx))
	assert.Equal(t, []string{ok1, failed, ok2}, exec.Ran())
	assert.EqualValues(t, 3, w.NumProcessed())

	for _, id := range []string{ok1, ok2} {
		_, err := gw.GetJob(ctx, id)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		archived, err := gw.GetArchivedJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, w.ID(), archived.ClaimedBy)
	}

	doc, err := gw.GetJob(ctx, failed)
	require.NoError(t, err)
	assert.True(t, doc.Failed)
	assert.True(t, doc.Finished)

	reg, err := gw.GetWorker(ctx, w.ID())
	require.NoError(t, err)
	assert.False(t, reg.Working)
	assert.False(t, reg.Finished.Equal(domain.NullTime))
	assert.False(t, reg.CheckIn.Equal(domain.NullTime))
}

func TestWorker_Modes(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		jobs    int
		wantRan int
	}{
		{name: "one processes a single job", mode: One, jobs: 3, wantRan: 1},
		{name: "batch drains the queue", mode: Batch, jobs: 3, wantRan: 3},
		{name: "batch on empty queue", mode: Batch, jobs: 0, wantRan: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := memory.New()
			for i := 0; i < tt.jobs; i++ {
				enqueue(t, gw, "default", "tasks.OK")
			}

			cfg := testConfig()
			cfg.Mode = tt.mode
			exec := &fakeExecutor{}
			w := New(gw, exec, cfg, WithLogger(quietLogger()))

			require.NoError(t, w.Work(context.Background()))
			assert.Len(t, exec.Ran(), tt.wantRan)
		})
	}
}

func TestWorker_QueueAndTagEligibility(t *testing.T) {
	gw := memory.New()
	enqueue(t, gw, "emails", "tasks.OK")
	tagged := enqueue(t, gw, "reports", "tasks.OK", queue.Tags("pdf"))
	enqueue(t, gw, "reports", "tasks.OK", queue.Tags("pdf", "large"))
	enqueue(t, gw, "reports", "tasks.OK", queue.Priority(-1), queue.Tags("pdf"))

	cfg := testConfig()
	cfg.Mode = Batch
	cfg.Queues = []string{"reports"}
	cfg.Tags = []string{"pdf"}
	exec := &fakeExecutor{}

	require.NoError(t, New(gw, exec, cfg, WithLogger(quietLogger())).Work(context.Background()))
	assert.Equal(t, []string{tagged}, exec.Ran())
}

func TestWorker_JobID(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	first := enqueue(t, gw, "default", "tasks.OK")
	target := enqueue(t, gw, "default", "tasks.OK")

	// a failed job is still processed when named explicitly
	_, err := gw.ClaimByID(ctx, target, "someone-else")
	require.NoError(t, err)
	require.NoError(t, gw.FinishJob(ctx, target, true))

	cfg := testConfig()
	cfg.JobID = target
	exec := &fakeExecutor{}
	w := New(gw, exec, cfg, WithLogger(quietLogger()))

	require.NoError(t, w.Work(ctx))
	assert.Equal(t, []string{target}, exec.Ran())

	_, err = gw.GetArchivedJob(ctx, target)
	assert.NoError(t, err)
	doc, err := gw.GetJob(ctx, first)
	require.NoError(t, err)
	assert.False(t, doc.Processed)
}

func TestWorker_JobIDMissing(t *testing.T) {
	tests := []struct {
		name     string
		failFast bool
	}{
		{name: "fail fast", failFast: true},
		{name: "keep going on errors", failFast: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := memory.New()
			cfg := testConfig()
			cfg.JobID = "missing"
			cfg.FailFast = tt.failFast
			w := New(gw, &fakeExecutor{}, cfg, WithLogger(quietLogger()))

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			err := w.Work(ctx)
			assert.ErrorIs(t, err, domain.ErrJobNotFound)
			assert.NoError(t, ctx.Err(), "worker should exit without waiting for the deadline")

			reg, err := gw.GetWorker(context.Background(), w.ID())
			require.NoError(t, err)
			assert.False(t, reg.Working)
		})
	}
}

func TestWorker_FailedMode(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	pending := enqueue(t, gw, "default", "tasks.OK")
	failed := enqueue(t, gw, "default", "tasks.OK")
	_, err := gw.ClaimByID(ctx, failed, "w0")
	require.NoError(t, err)
	require.NoError(t, gw.FinishJob(ctx, failed, true))

	cfg := testConfig()
	cfg.Mode = Batch
	cfg.Failed = true
	exec := &fakeExecutor{}

	require.NoError(t, New(gw, exec, cfg, WithLogger(quietLogger())).Work(ctx))
	assert.Equal(t, []string{failed}, exec.Ran())

	doc, err := gw.GetJob(ctx, pending)
	require.NoError(t, err)
	assert.False(t, doc.Processed)
}

func TestWorker_ShutdownRequested(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()

	w := New(gw, &fakeExecutor{}, testConfig(), WithLogger(quietLogger()))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Work(ctx) }()

	require.Eventually(t, func() bool { return w.ID() != "" }, time.Second, 5*time.Millisecond)

	n, err := gw.RequestShutdown(ctx, store.ShutdownSelector{WorkerID: w.ID()}, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	select {
	case err := <-errCh:
		var ee *ExitError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, 3, ee.Status)
		assert.Equal(t, 3, ExitStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	reg, err := gw.GetWorker(ctx, w.ID())
	require.NoError(t, err)
	assert.False(t, reg.Working)
}

func TestWorker_ContextCancelIsWarmShutdown(t *testing.T) {
	gw := memory.New()
	id := enqueue(t, gw, "default", "tasks.OK")

	exec := &fakeExecutor{started: make(chan string, 1), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	w := New(gw, exec, testConfig(), WithLogger(quietLogger()))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Work(ctx) }()

	assert.Equal(t, id, <-exec.started)
	cancel()
	close(exec.release)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	// the in-flight job ran to completion and was archived
	_, err := gw.GetArchivedJob(context.Background(), id)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, w.NumProcessed())
}

func TestWorker_AbortKillsJobInFlight(t *testing.T) {
	gw := memory.New()
	id := enqueue(t, gw, "default", "tasks.Slow")

	exec := &fakeExecutor{started: make(chan string, 1), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()
	w := New(gw, exec, testConfig(), WithLogger(quietLogger()), WithAbort(abortCtx))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Work(ctx) }()

	assert.Equal(t, id, <-exec.started)
	cancel()

	// the warm shutdown keeps waiting for the job
	select {
	case <-errCh:
		t.Fatal("worker stopped before the job finished")
	case <-time.After(50 * time.Millisecond):
	}

	abort()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after abort")
	}

	doc, err := gw.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, doc.Failed)
	assert.True(t, doc.Finished)

	reg, err := gw.GetWorker(context.Background(), w.ID())
	require.NoError(t, err)
	assert.False(t, reg.Working)
	assert.False(t, reg.Finished.Equal(domain.NullTime))
}

func TestWorker_RetryLimit(t *testing.T) {
	ctx := context.Background()
	var claims int
	var mu sync.Mutex
	gw := memory.New(memory.WithFault(func(op string) error {
		if op != "claim" {
			return nil
		}
		mu.Lock()
		claims++
		mu.Unlock()
		return domain.NewUnavailableError(errors.New("connection refused"))
	}))

	cfg := testConfig()
	cfg.MaxRetries = 2
	w := New(gw, &fakeExecutor{}, cfg, WithLogger(quietLogger()))

	err := w.Work(ctx)
	assert.ErrorIs(t, err, ErrRetryLimitReached)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, ExitStatus(err))

	mu.Lock()
	assert.Equal(t, 3, claims)
	mu.Unlock()

	reg, err := gw.GetWorker(ctx, w.ID())
	require.NoError(t, err)
	assert.False(t, reg.Working)
}

func TestWorker_RecoversFromOutage(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := enqueue(t, gw, "default", "tasks.OK")

	var failures int
	gw.SetFault(func(op string) error {
		if op == "claim" && failures < 2 {
			failures++
			return domain.NewUnavailableError(errors.New("connection reset"))
		}
		return nil
	})

	cfg := testConfig()
	cfg.Mode = One
	exec := &fakeExecutor{}
	require.NoError(t, New(gw, exec, cfg, WithLogger(quietLogger())).Work(ctx))
	assert.Equal(t, []string{id}, exec.Ran())
}

func TestWorker_NonConnectivityErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		failFast bool
		wantErr  error
	}{
		{name: "fail fast stops the worker", failFast: true, wantErr: boom},
		{name: "otherwise the loop keeps polling", failFast: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var claims int
			gw := memory.New(memory.WithFault(func(op string) error {
				if op != "claim" {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				claims++
				return boom
			}))

			cfg := testConfig()
			cfg.FailFast = tt.failFast
			w := New(gw, &fakeExecutor{}, cfg, WithLogger(quietLogger()))

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			err := w.Work(ctx)
			mu.Lock()
			defer mu.Unlock()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 1, claims)
				return
			}
			assert.NoError(t, err)
			assert.Greater(t, claims, 1)
		})
	}
}

func TestWorker_Hooks(t *testing.T) {
	gw := memory.New()
	id := enqueue(t, gw, "default", "tasks.OK")

	var calls []string
	cfg := testConfig()
	cfg.Mode = One
	cfg.PreCall = func(_ context.Context, j *job.Job) { calls = append(calls, "pre:"+j.ID()) }
	cfg.PostCall = func(_ context.Context, j *job.Job) { calls = append(calls, "post:"+j.ID()) }

	require.NoError(t, New(gw, &fakeExecutor{}, cfg, WithLogger(quietLogger())).Work(context.Background()))
	assert.Equal(t, []string{"pre:" + id, "post:" + id}, calls)
}

func TestWorker_Wakeups(t *testing.T) {
	gw := memory.New()
	wake := make(chan struct{}, 1)

	cfg := testConfig()
	cfg.Mode = One
	cfg.PollInterval = time.Hour
	exec := &fakeExecutor{}
	w := New(gw, exec, cfg, WithLogger(quietLogger()), WithWakeups(wake))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Work(context.Background()) }()

	require.Eventually(t, func() bool { return w.ID() != "" }, time.Second, 5*time.Millisecond)
	id := enqueue(t, gw, "default", "tasks.OK")
	wake <- struct{}{}

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Equal(t, []string{id}, exec.Ran())
	case <-time.After(2 * time.Second):
		t.Fatal("wake-up did not cut the poll sleep short")
	}
}

func TestWorker_ClosedWakeupsFallBackToPolling(t *testing.T) {
	gw := memory.New()
	wake := make(chan struct{})
	close(wake)

	cfg := testConfig()
	cfg.Mode = One
	exec := &fakeExecutor{}
	w := New(gw, exec, cfg, WithLogger(quietLogger()), WithWakeups(wake))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Work(context.Background()) }()

	require.Eventually(t, func() bool { return w.ID() != "" }, time.Second, 5*time.Millisecond)
	enqueue(t, gw, "default", "tasks.OK")

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Len(t, exec.Ran(), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped polling")
	}
}

func TestWorker_LogOutput(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := enqueue(t, gw, "default", "tasks.OK")

	cfg := testConfig()
	cfg.Mode = One
	cfg.LogOutput = true
	exec := &fakeExecutor{output: "line one\nline two\n"}
	w := New(gw, exec, cfg, WithLogger(quietLogger()))
	require.NoError(t, w.Work(ctx))

	jobLines, err := gw.ReadLogs(ctx, store.LogQuery{JobID: id})
	require.NoError(t, err)

	var stdout []string
	for _, e := range jobLines {
		if e.Logger == "stdout" {
			stdout = append(stdout, e.Message)
			assert.Equal(t, w.ID(), e.WorkerID)
		}
	}
	assert.Equal(t, []string{"line one", "line two"}, stdout)

	workerLines, err := gw.ReadLogs(ctx, store.LogQuery{WorkerID: w.ID()})
	require.NoError(t, err)
	var messages []string
	for _, e := range workerLines {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "Starting main loop worker=test-worker worker_id="+w.ID())
}

func TestWorker_NumBacklog(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	enqueue(t, gw, "a", "tasks.OK")
	enqueue(t, gw, "a", "tasks.OK")
	enqueue(t, gw, "b", "tasks.OK")
	enqueue(t, gw, "a", "tasks.OK", queue.ProcessAfter(time.Now().Add(time.Hour)))

	cfg := testConfig()
	cfg.Queues = []string{"a"}
	w := New(gw, &fakeExecutor{}, cfg)

	n, err := w.NumBacklog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestNames(t *testing.T) {
	assert.NotEmpty(t, DefaultName())
	assert.Equal(t, DefaultName()+".2", SlotName(2))

	w := New(memory.New(), &fakeExecutor{}, Config{})
	assert.Equal(t, DefaultName(), w.Name())
	assert.Empty(t, w.ID())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first retry", base: time.Second, attempt: 0, want: time.Second},
		{name: "doubles", base: time.Second, attempt: 1, want: 2 * time.Second},
		{name: "fourth retry", base: time.Second, attempt: 3, want: 8 * time.Second},
		{name: "capped", base: time.Second, attempt: 20, want: time.Hour},
		{name: "overflow", base: time.Second, attempt: 100, want: time.Hour},
		{name: "negative attempt", base: time.Second, attempt: -1, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.base, tt.attempt))
		})
	}
}

func TestRetrier_Do(t *testing.T) {
	unavailable := domain.NewUnavailableError(errors.New("no reachable servers"))
	other := errors.New("duplicate key")

	tests := []struct {
		name         string
		errs         []error
		wantAttempts int
		wantDelays   []time.Duration
		wantErr      error
		wantLimit    bool
	}{
		{
			name:         "success first time",
			errs:         []error{nil},
			wantAttempts: 1,
		},
		{
			name:         "recovers after outage",
			errs:         []error{unavailable, unavailable, nil},
			wantAttempts: 3,
			wantDelays:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:         "non-connectivity error is not retried",
			errs:         []error{other},
			wantAttempts: 1,
			wantErr:      other,
		},
		{
			name:         "exhausted",
			errs:         []error{unavailable, unavailable, unavailable, unavailable, unavailable},
			wantAttempts: 4,
			wantDelays:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond},
			wantErr:      domain.ErrStoreUnavailable,
			wantLimit:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			var delays []time.Duration
			r := &Retrier{
				MaxRetries: 3,
				BaseDelay:  10 * time.Millisecond,
				Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
				sleep: func(_ context.Context, d time.Duration) error {
					delays = append(delays, d)
					return nil
				},
			}

			attempts := 0
			err := r.Do(context.Background(), "claim", func(context.Context) error {
				err := tt.errs[attempts]
				attempts++
				return err
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantDelays, delays)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantLimit, errors.Is(err, ErrRetryLimitReached))
			if tt.wantLimit {
				assert.Contains(t, buf.String(), "Retry limit reached")
				assert.Contains(t, buf.String(), fmt.Sprintf("attempts=%d", r.MaxRetries+1))
			}
		})
	}
}

func TestRetrier_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Retrier{MaxRetries: 5, BaseDelay: time.Hour, Logger: quietLogger()}
	err := r.Do(ctx, "check in", func(context.Context) error {
		return domain.NewUnavailableError(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetryLimitReached)
}

func TestExitStatus(t *testing.T) {
	assert.Equal(t, 0, ExitStatus(nil))
	assert.Equal(t, 4, ExitStatus(&ExitError{Status: 4}))
	assert.Equal(t, 1, ExitStatus(errors.New("fatal")))
}
