package joblog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
	"github.com/cuongbtq/taskq/internal/store/memory"
)

func readAll(t *testing.T, gw store.LogStore, q store.LogQuery) []*domain.LogEntry {
	t.Helper()
	entries, err := gw.ReadLogs(context.Background(), q)
	require.NoError(t, err)
	return entries
}

func TestHandler(t *testing.T) {
	gw := memory.New()
	var console bytes.Buffer
	next := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug})

	h := NewHandler(next, gw, Tags{JobID: "j1", WorkerID: "w1", Logger: "worker"}, slog.LevelInfo)
	logger := slog.New(h).With(slog.String("queue", "default"))

	logger.Debug("Polling")
	logger.WithGroup("job").Info("Job started", slog.Int("attempt", 2))
	logger.Error("Job failed", slog.Group("err", slog.String("kind", "timeout")))

	assert.Contains(t, console.String(), "Polling", "lower levels still reach the next handler")

	entries := readAll(t, gw, store.LogQuery{JobID: "j1"})
	require.Len(t, entries, 2)

	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "Job started queue=default job.attempt=2", entries[0].Message)
	assert.Equal(t, "w1", entries[0].WorkerID)
	assert.Equal(t, "worker", entries[0].Logger)

	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "Job failed queue=default err.kind=timeout", entries[1].Message)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestHandler_NoNext(t *testing.T) {
	gw := memory.New()
	h := NewHandler(nil, gw, Tags{WorkerID: "w1"}, nil)

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))

	slog.New(h).Info("hello")
	assert.Len(t, readAll(t, gw, store.LogQuery{WorkerID: "w1"}), 1)
}

func TestHandler_StoreError(t *testing.T) {
	gw := memory.New(memory.WithFault(func(op string) error {
		if op == "append_log" {
			return domain.NewUnavailableError(errors.New("down"))
		}
		return nil
	}))
	h := NewHandler(nil, gw, Tags{}, slog.LevelInfo)

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestWriter(t *testing.T) {
	gw := memory.New()
	w := NewWriter(context.Background(), gw, Tags{JobID: "j1", Logger: "stdout"}, "INFO")

	_, err := fmt.Fprint(w, "first line\nsecond ")
	require.NoError(t, err)
	_, err = fmt.Fprint(w, "line\r\npartial")
	require.NoError(t, err)

	assert.Len(t, readAll(t, gw, store.LogQuery{JobID: "j1"}), 2)

	require.NoError(t, w.Close())

	entries := readAll(t, gw, store.LogQuery{JobID: "j1"})
	require.Len(t, entries, 3)
	assert.Equal(t, "first line", entries[0].Message)
	assert.Equal(t, "second line", entries[1].Message)
	assert.Equal(t, "partial", entries[2].Message)
	assert.Equal(t, "stdout", entries[2].Logger)
}

func TestWriter_KeepsFirstError(t *testing.T) {
	gw := memory.New(memory.WithFault(func(op string) error {
		return domain.NewUnavailableError(errors.New("down"))
	}))
	w := NewWriter(context.Background(), gw, Tags{}, "INFO")

	n, err := w.Write([]byte("a\nb\n"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, w.Err(), domain.ErrStoreUnavailable)
	assert.ErrorIs(t, w.Close(), domain.ErrStoreUnavailable)
}

func TestStream_Lines(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	for i := 0; i < readBatch+5; i++ {
		require.NoError(t, gw.AppendLog(ctx, &domain.LogEntry{WorkerID: "w1", Message: fmt.Sprint(i)}))
	}

	var got []string
	err := NewStream(gw, store.LogQuery{WorkerID: "w1"}, nil).Lines(ctx, false, func(e *domain.LogEntry) error {
		got = append(got, e.Message)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, readBatch+5)
	assert.Equal(t, "0", got[0])
	assert.Equal(t, fmt.Sprint(readBatch+4), got[len(got)-1])
}

func TestStream_Follow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw := memory.New()

	var finished atomic.Bool
	s := NewStream(gw, store.LogQuery{JobID: "j1"}, func(context.Context) (bool, error) {
		return finished.Load(), nil
	})
	s.PollInterval = 10 * time.Millisecond

	go func() {
		for i := 0; i < 3; i++ {
			_ = gw.AppendLog(ctx, &domain.LogEntry{JobID: "j1", Message: fmt.Sprint(i)})
			time.Sleep(20 * time.Millisecond)
		}
		finished.Store(true)
	}()

	var got []string
	err := s.Lines(ctx, true, func(e *domain.LogEntry) error {
		got = append(got, e.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, got)
}

func TestStream_FollowCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := NewStream(memory.New(), store.LogQuery{JobID: "j1"}, nil)
	s.PollInterval = 10 * time.Millisecond

	err := s.Lines(ctx, true, func(*domain.LogEntry) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_CallbackError(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	require.NoError(t, gw.AppendLog(ctx, &domain.LogEntry{JobID: "j1", Message: "x"}))

	stop := errors.New("stop")
	err := NewStream(gw, store.LogQuery{JobID: "j1"}, nil).Lines(ctx, false, func(*domain.LogEntry) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}
