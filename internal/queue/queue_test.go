package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store/memory"
)

func resize(_ context.Context, _ []any, _ map[string]any) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (n *recordingNotifier) NotifyEnqueued(_ context.Context, jobID, queueName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, [2]string{jobID, queueName})
	return n.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_EnqueueCall(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	q := New(gw, "images", WithTags("gpu"), WithPriority(2), WithLogger(quietLogger()))

	after := time.Now().Add(time.Hour)
	j, err := q.EnqueueCall(ctx, resize, []int{640, 480}, map[string]string{"format": "png"},
		Tags("large", "gpu"),
		Timeout(30*time.Second),
		Mutex("gpu-0", 2),
		ProcessAfter(after),
	)
	require.NoError(t, err)

	doc, err := gw.GetJob(ctx, j.ID())
	require.NoError(t, err)
	assert.Equal(t, "images", doc.QueueName)
	assert.Equal(t, []string{"gpu", "large"}, doc.Tags)
	assert.Equal(t, 2, doc.Priority)
	assert.Equal(t, "github.com/cuongbtq/taskq/internal/queue.resize", doc.Execute.FuncStr)
	assert.Equal(t, []any{640, 480}, doc.Execute.Args)
	assert.Equal(t, map[string]any{"format": "png"}, doc.Execute.Kwargs)
	assert.Equal(t, 30*time.Second, doc.Timeout)
	assert.Equal(t, &domain.Mutex{Key: "gpu-0", Count: 2}, doc.Mutex)
	assert.False(t, doc.Processed)
	assert.False(t, doc.Failed)
	assert.False(t, doc.Finished)
	assert.Equal(t, domain.Unclaimed, doc.ClaimedBy)
	assert.Equal(t, domain.NullTime, doc.StartedAt)
	assert.Equal(t, domain.NullTime, doc.FinishedAt)
	assert.WithinDuration(t, after, doc.ProcessAfter, time.Millisecond)
}

func TestQueue_EnqueueCall_Defaults(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	q := New(gw, "", WithLogger(quietLogger()))
	assert.Equal(t, domain.DefaultQueueName, q.Name())

	j, err := q.EnqueueCall(ctx, "tasks.Cleanup", nil, nil, Priority(-1))
	require.NoError(t, err)

	doc := j.Document()
	assert.Equal(t, []any{}, doc.Execute.Args)
	assert.Equal(t, map[string]any{}, doc.Execute.Kwargs)
	assert.Equal(t, -1, doc.Priority)
	assert.Equal(t, doc.EnqueuedAt, doc.ProcessAfter)
	assert.Nil(t, doc.Mutex)
	assert.Zero(t, doc.Timeout)
}

func TestQueue_EnqueueCall_Validation(t *testing.T) {
	ctx := context.Background()
	q := New(memory.New(), "default", WithLogger(quietLogger()))

	tests := []struct {
		name    string
		target  any
		args    any
		kwargs  any
		opts    []EnqueueOption
		wantErr error
	}{
		{name: "bad target", target: 3.14, wantErr: domain.ErrInvalidTarget},
		{name: "args not a sequence", target: "tasks.A", args: "x", wantErr: domain.ErrInvalidArguments},
		{name: "kwargs not a mapping", target: "tasks.A", kwargs: []string{"x"}, wantErr: domain.ErrInvalidArguments},
		{name: "mutex without key", target: "tasks.A", opts: []EnqueueOption{Mutex("", 1)}, wantErr: domain.ErrInvalidArguments},
		{name: "mutex count zero", target: "tasks.A", opts: []EnqueueOption{Mutex("gpu-0", 0)}, wantErr: domain.ErrInvalidArguments},
		{name: "mutex count negative", target: "tasks.A", opts: []EnqueueOption{Mutex("gpu-0", -3)}, wantErr: domain.ErrInvalidArguments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.EnqueueCall(ctx, tt.target, tt.args, tt.kwargs, tt.opts...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected calls insert nothing")
}

func TestQueue_Notifier(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	q := New(memory.New(), "mail", WithNotifier(n), WithLogger(quietLogger()))

	j, err := q.Enqueue(ctx, "tasks.Send", "a@b")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{j.ID(), "mail"}}, n.calls)

	n.err = errors.New("broker down")
	_, err = q.Enqueue(ctx, "tasks.Send", "c@d")
	assert.NoError(t, err, "notification failure never fails the enqueue")
	assert.Len(t, n.calls, 2)
}

func TestQueue_InsertFailure(t *testing.T) {
	gw := memory.New(memory.WithFault(func(op string) error {
		if op == "insert_job" {
			return domain.NewUnavailableError(errors.New("connection refused"))
		}
		return nil
	}))
	n := &recordingNotifier{}
	q := New(gw, "mail", WithNotifier(n), WithLogger(quietLogger()))

	_, err := q.Enqueue(context.Background(), "tasks.Send")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, n.calls)
}

func TestQueue_Counts(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	q := New(gw, "default", WithLogger(quietLogger()))

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = q.EnqueueCall(ctx, "tasks.A", nil, nil, Tags("red"))
	require.NoError(t, err)
	_, err = q.EnqueueCall(ctx, "tasks.B", nil, nil, Tags("red", "blue"))
	require.NoError(t, err)
	_, err = q.EnqueueCall(ctx, "tasks.C", nil, nil, ProcessAfter(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = New(gw, "other", WithLogger(quietLogger())).Enqueue(ctx, "tasks.D")
	require.NoError(t, err)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "delayed job is not counted")

	n, err = q.TagCount(ctx, "red")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "untagged delayed job is accepted by any tag filter")

	n, err = q.TagCount(ctx, "red", "blue")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	tags, err := q.AllTags(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"red", "blue"}, tags)

	jobs, err := q.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "tasks.A", jobs[0].FuncStr())
}

func TestQueue_PopAndFailed(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	q := New(gw, "default", WithLogger(quietLogger()))

	first, err := q.Enqueue(ctx, "tasks.A")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "tasks.B")
	require.NoError(t, err)

	popped, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, first.ID(), popped.ID())
	assert.Equal(t, "w1", popped.Document().ClaimedBy)

	require.NoError(t, popped.MarkFinished(ctx, true))

	failed, err := q.NumFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, failed)

	recent, err := q.FinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, first.ID(), recent[0].ID())

	all, err := q.AllJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	second, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)

	none, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)
}
