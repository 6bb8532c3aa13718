package dto

import (
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

type MutexDTO struct {
	Key   string `json:"key" binding:"required"`
	Count int    `json:"count"`
}

type EnqueueJobRequest struct {
	Queue          string         `json:"queue"`
	Task           string         `json:"task" binding:"required"`
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	Tags           []string       `json:"tags"`
	Priority       *int           `json:"priority"`
	TimeoutSeconds float64        `json:"timeout_seconds" binding:"gte=0"`
	Mutex          *MutexDTO      `json:"mutex"`
	ProcessAfter   *time.Time     `json:"process_after"`
}

type ListJobsRequest struct {
	Queue    string   `form:"queue"`
	Tags     []string `form:"tags"`
	Status   string   `form:"status"`
	PageSize int      `form:"page_size"`
	Cursor   string   `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string         `json:"job_id"`
	Queue          string         `json:"queue"`
	Tags           []string       `json:"tags"`
	Priority       int            `json:"priority"`
	Task           string         `json:"task"`
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	Status         string         `json:"status"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Mutex          *MutexDTO      `json:"mutex,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	ProcessAfter   time.Time      `json:"process_after"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

type LogLineDTO struct {
	Seq      int64     `json:"seq"`
	Level    string    `json:"level"`
	Logger   string    `json:"logger,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

// FromDocument converts a stored job. Null start/finish times are omitted.
func FromDocument(d *domain.JobDocument) JobDTO {
	out := JobDTO{
		JobID:          d.ID,
		Queue:          d.QueueName,
		Tags:           d.Tags,
		Priority:       d.Priority,
		Task:           d.Execute.FuncStr,
		Args:           d.Execute.Args,
		Kwargs:         d.Execute.Kwargs,
		Status:         d.Status(),
		TimeoutSeconds: d.Timeout.Seconds(),
		EnqueuedAt:     d.EnqueuedAt,
		ProcessAfter:   d.ProcessAfter,
	}
	if d.ClaimedBy != domain.Unclaimed {
		out.ClaimedBy = d.ClaimedBy
	}
	if d.Mutex != nil {
		out.Mutex = &MutexDTO{Key: d.Mutex.Key, Count: d.Mutex.Count}
	}
	if !d.StartedAt.IsZero() && !d.StartedAt.Equal(domain.NullTime) {
		t := d.StartedAt
		out.StartedAt = &t
	}
	if !d.FinishedAt.IsZero() && !d.FinishedAt.Equal(domain.NullTime) {
		t := d.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func FromLogEntry(e *domain.LogEntry) LogLineDTO {
	return LogLineDTO{
		Seq:      e.Seq,
		Level:    e.Level,
		Logger:   e.Logger,
		WorkerID: e.WorkerID,
		Message:  e.Message,
		Time:     e.Time,
	}
}
