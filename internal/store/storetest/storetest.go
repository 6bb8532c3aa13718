// Package storetest holds a conformance suite every store.Gateway backend
// runs against itself.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// Factory returns an empty, migrated gateway. It must register its own
// cleanup with t.
type Factory func(t *testing.T) store.Gateway

// NewJob builds an unclaimed job document enqueued at enqueued
func NewJob(queue string, enqueued time.Time, tags ...string) *domain.JobDocument {
	return &domain.JobDocument{
		QueueName:       queue,
		Tags:            tags,
		Execute:         domain.Execute{FuncStr: "tasks.Noop", Args: []any{}, Kwargs: map[string]any{}},
		EnqueuedAt:      enqueued,
		EnqueuedAtEpoch: domain.Epoch(enqueued),
		StartedAt:       domain.NullTime,
		FinishedAt:      domain.NullTime,
		ProcessAfter:    enqueued,
		ClaimedBy:       domain.Unclaimed,
	}
}

// Run executes the suite
func Run(t *testing.T, newGateway Factory) {
	t.Run("AtMostOneClaim", func(t *testing.T) { testAtMostOneClaim(t, newGateway(t)) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newGateway(t)) })
	t.Run("TagSubset", func(t *testing.T) { testTagSubset(t, newGateway) })
	t.Run("MutexCap", func(t *testing.T) { testMutexCap(t, newGateway) })
	t.Run("Archive", func(t *testing.T) { testArchive(t, newGateway(t)) })
	t.Run("AdvanceRule", func(t *testing.T) { testAdvanceRule(t, newGateway(t)) })
	t.Run("CheckIn", func(t *testing.T) { testCheckIn(t, newGateway(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, newGateway(t)) })
}

func insert(t *testing.T, gw store.Gateway, doc *domain.JobDocument) string {
	t.Helper()
	require.NoError(t, gw.InsertJob(context.Background(), doc))
	require.NotEmpty(t, doc.ID)
	return doc.ID
}

func testAtMostOneClaim(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		insert(t, gw, NewJob("default", domain.Now().Add(-time.Minute+time.Duration(i)*time.Millisecond)))
	}

	var (
		mu     sync.Mutex
		claims = map[string]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 12; i++ {
		workerID := fmt.Sprintf("w%d", i)
		g.Go(func() error {
			doc, err := gw.Claim(gctx, store.ClaimRequest{WorkerID: workerID})
			if err != nil || doc == nil {
				return err
			}
			mu.Lock()
			claims[doc.ID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, claims, 3)
	for id, n := range claims {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func testFIFO(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	base := domain.Now().Add(-time.Minute)
	late := insert(t, gw, NewJob("default", base.Add(2*time.Second)))
	early := insert(t, gw, NewJob("default", base))

	doc, err := gw.Claim(ctx, store.ClaimRequest{WorkerID: "w"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, early, doc.ID)
	assert.Equal(t, "w", doc.ClaimedBy)
	assert.True(t, doc.Processed)

	doc, err = gw.Claim(ctx, store.ClaimRequest{WorkerID: "w"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, late, doc.ID)
}

func testTagSubset(t *testing.T, newGateway Factory) {
	cases := []struct {
		name       string
		jobTags    []string
		filterTags []string
		want       bool
	}{
		{"unfiltered", []string{"a"}, nil, true},
		{"untagged", nil, []string{"a"}, true},
		{"subset", []string{"a"}, []string{"a", "b"}, true},
		{"superset", []string{"a", "b"}, []string{"a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newGateway(t)
			insert(t, gw, NewJob("default", domain.Now().Add(-time.Second), tc.jobTags...))

			doc, err := gw.Claim(context.Background(), store.ClaimRequest{WorkerID: "w", Tags: tc.filterTags})
			require.NoError(t, err)
			assert.Equal(t, tc.want, doc != nil)
		})
	}
}

func testMutexCap(t *testing.T, newGateway Factory) {
	for _, limit := range []int{1, 2} {
		t.Run(fmt.Sprintf("count=%d", limit), func(t *testing.T) {
			gw := newGateway(t)
			ctx := context.Background()
			base := domain.Now().Add(-time.Minute)
			for i := 0; i < 3; i++ {
				doc := NewJob("default", base.Add(time.Duration(i)*time.Second))
				doc.Mutex = &domain.Mutex{Key: "db", Count: limit}
				insert(t, gw, doc)
			}

			claimed := 0
			for i := 0; i < 3; i++ {
				doc, err := gw.Claim(ctx, store.ClaimRequest{WorkerID: "w"})
				require.NoError(t, err)
				if doc != nil {
					claimed++
				}
			}
			assert.Equal(t, limit, claimed)
		})
	}
}

func testArchive(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	ok := insert(t, gw, NewJob("default", domain.Now()))
	bad := insert(t, gw, NewJob("default", domain.Now()))

	require.NoError(t, gw.FinishJob(ctx, ok, false))
	require.NoError(t, gw.FinishJob(ctx, bad, true))

	_, err := gw.GetJob(ctx, ok)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	archived, err := gw.GetArchivedJob(ctx, ok)
	require.NoError(t, err)
	assert.True(t, archived.Finished)

	live, err := gw.GetJob(ctx, bad)
	require.NoError(t, err)
	assert.True(t, live.Failed)

	n, err := gw.ResetFailed(ctx, store.FailedSelector{JobID: bad})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func testAdvanceRule(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	created := domain.Now().Add(-time.Hour)
	rule := &domain.RuleDocument{
		Rule: "@hourly", Task: "tasks.Noop", Queue: "default", Tags: []string{},
		Active: true, Created: created, Modified: created, Checked: created,
	}
	require.NoError(t, gw.InsertRule(ctx, rule))

	now := domain.Now()
	var (
		mu   sync.Mutex
		wins int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			won, err := gw.AdvanceRule(gctx, rule.ID, created, now)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, wins)

	got, err := gw.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.Checked.Equal(now))
}

func testCheckIn(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	w := &domain.WorkerDocument{
		Name: "host.1", Host: "host", Started: domain.Now(), Working: true,
		Queues: []string{"default"}, Tags: []string{},
	}
	require.NoError(t, gw.RegisterWorker(ctx, w))

	res, err := gw.CheckIn(ctx, w.ID, domain.Now())
	require.NoError(t, err)
	assert.False(t, res.Terminate)

	_, err = gw.RequestShutdown(ctx, store.ShutdownSelector{WorkerID: w.ID}, 2)
	require.NoError(t, err)

	res, err = gw.CheckIn(ctx, w.ID, domain.Now())
	require.NoError(t, err)
	assert.True(t, res.Terminate)
	assert.Equal(t, 2, res.TerminateStatus)

	require.NoError(t, gw.UnregisterWorker(ctx, w.ID, domain.Now()))
	got, err := gw.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.Working)
}

func testLogs(t *testing.T, gw store.Gateway) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, gw.AppendLog(ctx, &domain.LogEntry{JobID: "job-1", Level: "INFO", Message: fmt.Sprintf("line %d", i)}))
	}

	first, err := gw.ReadLogs(ctx, store.LogQuery{JobID: "job-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "line 0", first[0].Message)

	rest, err := gw.ReadLogs(ctx, store.LogQuery{JobID: "job-1", AfterSeq: first[0].Seq})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "line 2", rest[1].Message)
}
