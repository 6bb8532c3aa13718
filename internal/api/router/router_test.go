package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/api/dto"
	"github.com/cuongbtq/taskq/internal/api/handler"
	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, opts Options) (*gin.Engine, *memory.Store, *admin.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := memory.New()
	svc := admin.New(gw, logger)
	r := SetupRouter(&handler.Dependencies{
		Logger: logger,
		Admin:  svc,
		Store:  gw,
	}, opts)
	return r, gw, svc
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	r, gw, _ := newTestRouter(t, Options{})

	w := do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	gw.SetFault(func(op string) error {
		if op == "ping" {
			return domain.NewUnavailableError(errors.New("connection refused"))
		}
		return nil
	})
	w = do(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[map[string]any](t, w)["status"])
}

func TestCreateAndGetJob(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	w := do(r, http.MethodPost, "/api/v1/jobs", map[string]any{
		"queue":           "reports",
		"task":            "tasks.Render",
		"args":            []any{"q3", 2},
		"kwargs":          map[string]any{"format": "pdf"},
		"tags":            []string{"pdf"},
		"timeout_seconds": 30,
		"mutex":           map[string]any{"key": "renderer", "count": 2},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[dto.JobDTO](t, w)
	assert.Equal(t, "reports", created.Queue)
	assert.Equal(t, domain.JobStatusPending, created.Status)
	assert.Equal(t, 30.0, created.TimeoutSeconds)
	require.NotNil(t, created.Mutex)
	assert.Equal(t, "renderer", created.Mutex.Key)
	assert.Nil(t, created.StartedAt)

	w = do(r, http.MethodGet, "/api/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "tasks.Render", got.Task)
	assert.Equal(t, []any{"q3", 2.0}, got.Args)
	assert.Equal(t, map[string]any{"format": "pdf"}, got.Kwargs)
	assert.Equal(t, []string{"pdf"}, got.Tags)
}

func TestCreateJob_Validation(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	tests := []struct {
		name string
		body any
	}{
		{"missing task", map[string]any{"queue": "q"}},
		{"negative timeout", map[string]any{"task": "t.T", "timeout_seconds": -1}},
		{"args not a list", map[string]any{"task": "t.T", "args": map[string]any{"a": 1}}},
		{"mutex without key", map[string]any{"task": "t.T", "mutex": map[string]any{"count": 1}}},
		{"mutex negative count", map[string]any{"task": "t.T", "mutex": map[string]any{"key": "gpu", "count": -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetJob_Errors(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	w := do(r, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs_Paging(t *testing.T) {
	r, _, svc := newTestRouter(t, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := svc.Enqueue(ctx, admin.EnqueueRequest{Queue: "q", Task: "tasks.Noop"})
		require.NoError(t, err)
		ids = append(ids, j.ID())
	}
	_, err := svc.Enqueue(ctx, admin.EnqueueRequest{Queue: "other", Task: "tasks.Noop"})
	require.NoError(t, err)

	var seen []string
	path := "/api/v1/jobs?queue=q&page_size=2"
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		w := do(r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decode[dto.ListJobsResponse](t, w)
		for _, j := range page.Jobs {
			seen = append(seen, j.JobID)
		}
		if page.NextCursor == "" {
			break
		}
		path = "/api/v1/jobs?queue=q&page_size=2&cursor=" + page.NextCursor
	}
	assert.Equal(t, ids, seen)

	w := do(r, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs?cursor="+base64.URLEncoding.EncodeToString([]byte("not-a-cursor")), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobControl(t *testing.T) {
	r, gw, svc := newTestRouter(t, Options{})
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, admin.EnqueueRequest{Task: "tasks.Flaky"})
	require.NoError(t, err)
	_, err = gw.ClaimByID(ctx, j.ID(), "w1")
	require.NoError(t, err)
	require.NoError(t, gw.FinishJob(ctx, j.ID(), true))

	w := do(r, http.MethodPost, "/api/v1/jobs/"+j.ID()+"/fixed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[dto.CountResponse](t, w).Count)

	w = do(r, http.MethodPost, "/api/v1/jobs/"+j.ID()+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc, err := gw.GetJob(ctx, j.ID())
	require.NoError(t, err)
	assert.False(t, doc.Processed)
	assert.False(t, doc.Failed)

	w = do(r, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/requeue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	pending, err := svc.Enqueue(ctx, admin.EnqueueRequest{Task: "tasks.Stuck"})
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/api/v1/jobs/"+pending.ID()+"/finish", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[dto.CountResponse](t, w).Count)
}

func TestJobLogs(t *testing.T) {
	r, gw, svc := newTestRouter(t, Options{})
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, admin.EnqueueRequest{Task: "tasks.Chatty"})
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, gw.AppendLog(ctx, &domain.LogEntry{JobID: j.ID(), WorkerID: "w1", Level: "INFO", Message: msg}))
	}

	w := do(r, http.MethodGet, "/api/v1/jobs/"+j.ID()+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Lines []dto.LogLineDTO `json:"lines"`
	}](t, w)
	require.Len(t, body.Lines, 3)
	assert.Equal(t, "one", body.Lines[0].Message)

	w = do(r, http.MethodGet, "/api/v1/jobs/"+j.ID()+"/logs?limit=1&after_seq="+jsonInt(body.Lines[0].Seq), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[struct {
		Lines []dto.LogLineDTO `json:"lines"`
	}](t, w)
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "two", body.Lines[0].Message)

	w = do(r, http.MethodGet, "/api/v1/jobs/"+j.ID()+"/logs?after_seq=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestQueuesAndWorkers(t *testing.T) {
	r, gw, svc := newTestRouter(t, Options{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, admin.EnqueueRequest{Queue: "mail", Task: "tasks.Send", Tags: []string{"smtp"}})
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/v1/queues", nil)
	require.Equal(t, http.StatusOK, w.Code)
	queues := decode[struct {
		Queues []admin.QueueInfo `json:"queues"`
	}](t, w).Queues
	require.Len(t, queues, 1)
	assert.Equal(t, "mail", queues[0].Name)
	assert.Equal(t, int64(1), queues[0].Pending)

	doc := &domain.WorkerDocument{
		Name:     "mailer",
		Host:     "box1",
		Started:  domain.Now(),
		Finished: domain.NullTime,
		CheckIn:  domain.NullTime,
		Working:  true,
		Queues:   []string{"mail"},
		Tags:     []string{},
	}
	require.NoError(t, gw.RegisterWorker(ctx, doc))

	w = do(r, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	workers := decode[struct {
		Workers []admin.WorkerInfo `json:"workers"`
	}](t, w).Workers
	require.Len(t, workers, 1)
	assert.Equal(t, "mailer", workers[0].Name)
	assert.Equal(t, int64(1), workers[0].Backlog)

	w = do(r, http.MethodGet, "/api/v1/workers/"+doc.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "box1", decode[admin.WorkerInfo](t, w).Host)

	w = do(r, http.MethodGet, "/api/v1/workers/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/workers/"+doc.ID+"/shutdown", map[string]any{"status": 4})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[dto.CountResponse](t, w).Count)

	res, err := gw.CheckIn(ctx, doc.ID, domain.Now())
	require.NoError(t, err)
	assert.True(t, res.Terminate)
	assert.Equal(t, 4, res.TerminateStatus)

	w = do(r, http.MethodGet, "/api/v1/workers?working=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedules(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	w := do(r, http.MethodPost, "/api/v1/schedules", map[string]any{
		"rule":  "@hourly",
		"task":  "tasks.Digest",
		"queue": "digests",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[dto.ScheduleDTO](t, w)
	assert.Equal(t, "digests", created.Queue)
	require.NotNil(t, created.NextRun)

	w = do(r, http.MethodPost, "/api/v1/schedules", map[string]any{"rule": "not a rule", "task": "tasks.Digest"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/schedules/"+created.RuleID+"/pause", map[string]any{"paused": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/v1/schedules/"+created.RuleID+"/pause", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Schedules []dto.ScheduleDTO `json:"schedules"`
	}](t, w).Schedules
	require.Len(t, list, 1)
	assert.True(t, list[0].Paused)
	assert.Nil(t, list[0].NextRun)

	w = do(r, http.MethodDelete, "/api/v1/schedules/"+created.RuleID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodDelete, "/api/v1/schedules/"+created.RuleID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{EnqueueRPS: 1, EnqueueBurst: 2})

	body := map[string]any{"task": "tasks.Noop"}
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(r, http.MethodPost, "/api/v1/jobs", body).Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	// reads are not limited
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/jobs", nil).Code)
}

func TestCORSMiddleware(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	w := do(r, http.MethodOptions, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
