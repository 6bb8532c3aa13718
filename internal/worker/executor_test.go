package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/job"
)

// TestMain doubles as the child entry point: a ProcessExecutor re-executes
// the test binary with ChildEnv set.
func TestMain(m *testing.M) {
	if IsChild() {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		os.Exit(RunChild(testRegistry(), os.Stdin, nil, logger))
	}
	os.Exit(m.Run())
}

func testRegistry() *job.Registry {
	reg := job.NewRegistry()
	reg.Register("test.ok", func(context.Context, []any, map[string]any) error {
		return nil
	})
	reg.Register("test.fail", func(context.Context, []any, map[string]any) error {
		return errors.New("task failed")
	})
	reg.Register("test.panic", func(context.Context, []any, map[string]any) error {
		panic("boom")
	})
	reg.Register("test.echo", func(_ context.Context, args []any, _ map[string]any) error {
		fmt.Println(args...)
		fmt.Fprintln(os.Stderr, "to stderr")
		return nil
	})
	// test.sleep honours the interrupt; test.stubborn ignores it
	reg.Register("test.sleep", func(ctx context.Context, _ []any, kwargs map[string]any) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(millis(kwargs)):
			return nil
		}
	})
	reg.Register("test.stubborn", func(_ context.Context, _ []any, kwargs map[string]any) error {
		time.Sleep(millis(kwargs))
		return nil
	})
	return reg
}

func millis(kwargs map[string]any) time.Duration {
	ms, _ := kwargs["ms"].(float64)
	return time.Duration(ms) * time.Millisecond
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor() *ProcessExecutor {
	return &ProcessExecutor{
		Path:         os.Args[0],
		GraceCeiling: 200 * time.Millisecond,
		Logger:       quietLogger(),
	}
}

func childJob(funcStr string, timeout time.Duration, kwargs map[string]any) *domain.JobDocument {
	now := domain.Now()
	return &domain.JobDocument{
		ID:           domain.NewID(),
		QueueName:    "default",
		Execute:      domain.Execute{FuncStr: funcStr, Args: []any{}, Kwargs: kwargs},
		EnqueuedAt:   now,
		ProcessAfter: now,
		Timeout:      timeout,
		ClaimedBy:    "w1",
	}
}

func TestProcessExecutor_Execute(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}

	tests := []struct {
		name         string
		doc          *domain.JobDocument
		wantFailed   bool
		wantExitCode int
		wantTimedOut bool
		wantKilled   bool
	}{
		{
			name: "success",
			doc:  childJob("test.ok", 0, nil),
		},
		{
			name:         "task error",
			doc:          childJob("test.fail", 0, nil),
			wantFailed:   true,
			wantExitCode: ChildTaskFailed,
		},
		{
			name:         "panic",
			doc:          childJob("test.panic", 0, nil),
			wantFailed:   true,
			wantExitCode: ChildTaskFailed,
		},
		{
			name:         "unknown task",
			doc:          childJob("test.missing", 0, nil),
			wantFailed:   true,
			wantExitCode: ChildTaskFailed,
		},
		{
			name: "finishes within timeout",
			doc:  childJob("test.sleep", 5*time.Second, map[string]any{"ms": 20}),
		},
		{
			name:         "interrupted at timeout",
			doc:          childJob("test.sleep", 100*time.Millisecond, map[string]any{"ms": 10000}),
			wantFailed:   true,
			wantExitCode: ChildTaskFailed,
			wantTimedOut: true,
		},
		{
			name:         "killed after grace period",
			doc:          childJob("test.stubborn", 100*time.Millisecond, map[string]any{"ms": 10000}),
			wantFailed:   true,
			wantExitCode: -1,
			wantTimedOut: true,
			wantKilled:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := testExecutor().Execute(context.Background(), tt.doc, io.Discard, io.Discard)
			require.NoError(t, err)

			assert.Equal(t, tt.wantFailed, res.Failed())
			assert.Equal(t, tt.wantExitCode, res.ExitCode)
			assert.Equal(t, tt.wantTimedOut, res.TimedOut)
			assert.Equal(t, tt.wantKilled, res.Killed)
		})
	}
}

func TestProcessExecutor_KilledWithinCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}

	// the grace period is the job timeout when that is below the ceiling
	exec := testExecutor()
	exec.GraceCeiling = time.Hour

	start := time.Now()
	res, err := exec.Execute(context.Background(),
		childJob("test.stubborn", 100*time.Millisecond, map[string]any{"ms": 10000}), io.Discard, io.Discard)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessExecutor_Output(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}

	doc := childJob("test.echo", 0, nil)
	doc.Execute.Args = []any{"hello", "world"}

	var stdout, stderr bytes.Buffer
	res, err := testExecutor().Execute(context.Background(), doc, &stdout, &stderr)
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, "hello world\n", stdout.String())
	assert.Contains(t, stderr.String(), "to stderr")
}

func TestProcessExecutor_ContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := testExecutor().Execute(ctx, childJob("test.stubborn", 0, map[string]any{"ms": 10000}), io.Discard, io.Discard)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.TimedOut)
	assert.True(t, res.Failed())
}

func TestProcessExecutor_StartError(t *testing.T) {
	exec := testExecutor()
	exec.Path = "/nonexistent/binary"

	_, err := exec.Execute(context.Background(), childJob("test.ok", 0, nil), io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestRunChild_BadInput(t *testing.T) {
	status := RunChild(testRegistry(), bytes.NewBufferString("not json"), nil, quietLogger())
	assert.Equal(t, ChildBadInput, status)
}

func TestRunChild_ExceptionHandler(t *testing.T) {
	var handled error
	var handledJob string
	onError := func(j *job.Job, err error) {
		handledJob = j.ID()
		handled = err
	}

	doc := childJob("test.fail", 0, nil)
	payload := fmt.Sprintf(`{"id":%q,"queue_name":"default","execute":{"func_str":"test.fail","args":[],"kwargs":{}}}`, doc.ID)

	status := RunChild(testRegistry(), bytes.NewBufferString(payload), onError, quietLogger())
	assert.Equal(t, ChildTaskFailed, status)
	assert.Equal(t, doc.ID, handledJob)
	assert.EqualError(t, handled, "task failed")

	handled = nil
	ok := `{"id":"j2","execute":{"func_str":"test.ok"}}`
	assert.Equal(t, ChildOK, RunChild(testRegistry(), bytes.NewBufferString(ok), onError, quietLogger()))
	assert.NoError(t, handled)
}
