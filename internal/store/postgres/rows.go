package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/taskq/internal/domain"
)

const jobColumns = `id, queue_name, tags, priority, func_str, args, kwargs,
	enqueued_at, enqueued_at_epoch, started_at, started_at_epoch,
	finished_at, finished_at_epoch, process_after, processed, failed, finished,
	timeout_ns, claimed_by, mutex_key, mutex_count`

type jobRow struct {
	ID              string         `db:"id"`
	QueueName       string         `db:"queue_name"`
	Tags            pq.StringArray `db:"tags"`
	Priority        int            `db:"priority"`
	FuncStr         string         `db:"func_str"`
	Args            []byte         `db:"args"`
	Kwargs          []byte         `db:"kwargs"`
	EnqueuedAt      time.Time      `db:"enqueued_at"`
	EnqueuedAtEpoch float64        `db:"enqueued_at_epoch"`
	StartedAt       time.Time      `db:"started_at"`
	StartedAtEpoch  float64        `db:"started_at_epoch"`
	FinishedAt      time.Time      `db:"finished_at"`
	FinishedAtEpoch float64        `db:"finished_at_epoch"`
	ProcessAfter    time.Time      `db:"process_after"`
	Processed       bool           `db:"processed"`
	Failed          bool           `db:"failed"`
	Finished        bool           `db:"finished"`
	TimeoutNS       int64          `db:"timeout_ns"`
	ClaimedBy       string         `db:"claimed_by"`
	MutexKey        sql.NullString `db:"mutex_key"`
	MutexCount      sql.NullInt64  `db:"mutex_count"`
}

func toJobRow(d *domain.JobDocument) (*jobRow, error) {
	args := d.Execute.Args
	if args == nil {
		args = []any{}
	}
	kwargs := d.Execute.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: args: %v", domain.ErrInvalidArguments, err)
	}
	kwargsJSON, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: kwargs: %v", domain.ErrInvalidArguments, err)
	}

	r := &jobRow{
		ID:              d.ID,
		QueueName:       d.QueueName,
		Tags:            pq.StringArray(nonNil(d.Tags)),
		Priority:        d.Priority,
		FuncStr:         d.Execute.FuncStr,
		Args:            argsJSON,
		Kwargs:          kwargsJSON,
		EnqueuedAt:      d.EnqueuedAt,
		EnqueuedAtEpoch: d.EnqueuedAtEpoch,
		StartedAt:       d.StartedAt,
		StartedAtEpoch:  d.StartedAtEpoch,
		FinishedAt:      d.FinishedAt,
		FinishedAtEpoch: d.FinishedAtEpoch,
		ProcessAfter:    d.ProcessAfter,
		Processed:       d.Processed,
		Failed:          d.Failed,
		Finished:        d.Finished,
		TimeoutNS:       int64(d.Timeout),
		ClaimedBy:       d.ClaimedBy,
	}
	if d.Mutex != nil && d.Mutex.Key != "" {
		r.MutexKey = sql.NullString{String: d.Mutex.Key, Valid: true}
		r.MutexCount = sql.NullInt64{Int64: int64(d.Mutex.Count), Valid: true}
	}
	return r, nil
}

func (r *jobRow) toDocument() (*domain.JobDocument, error) {
	d := &domain.JobDocument{
		ID:              r.ID,
		QueueName:       r.QueueName,
		Tags:            []string(r.Tags),
		Priority:        r.Priority,
		Execute:         domain.Execute{FuncStr: r.FuncStr},
		EnqueuedAt:      r.EnqueuedAt.UTC(),
		EnqueuedAtEpoch: r.EnqueuedAtEpoch,
		StartedAt:       r.StartedAt.UTC(),
		StartedAtEpoch:  r.StartedAtEpoch,
		FinishedAt:      r.FinishedAt.UTC(),
		FinishedAtEpoch: r.FinishedAtEpoch,
		ProcessAfter:    r.ProcessAfter.UTC(),
		Processed:       r.Processed,
		Failed:          r.Failed,
		Finished:        r.Finished,
		Timeout:         time.Duration(r.TimeoutNS),
		ClaimedBy:       r.ClaimedBy,
	}
	if err := json.Unmarshal(r.Args, &d.Execute.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args of job %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Kwargs, &d.Execute.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode kwargs of job %s: %w", r.ID, err)
	}
	if r.MutexKey.Valid {
		d.Mutex = &domain.Mutex{Key: r.MutexKey.String, Count: int(r.MutexCount.Int64)}
	}
	return d, nil
}

func toDocuments(rows []jobRow) ([]*domain.JobDocument, error) {
	docs := make([]*domain.JobDocument, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

type workerRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Host            string         `db:"host"`
	PID             int            `db:"pid"`
	User            string         `db:"username"`
	Started         time.Time      `db:"started"`
	Finished        time.Time      `db:"finished"`
	CheckIn         time.Time      `db:"check_in"`
	Working         bool           `db:"working"`
	Queues          pq.StringArray `db:"queues"`
	Tags            pq.StringArray `db:"tags"`
	LogOutput       bool           `db:"log_output"`
	Terminate       bool           `db:"terminate"`
	TerminateStatus int            `db:"terminate_status"`
}

func toWorkerRow(d *domain.WorkerDocument) *workerRow {
	return &workerRow{
		ID:              d.ID,
		Name:            d.Name,
		Host:            d.Host,
		PID:             d.PID,
		User:            d.User,
		Started:         d.Started,
		Finished:        orNull(d.Finished),
		CheckIn:         orNull(d.CheckIn),
		Working:         d.Working,
		Queues:          pq.StringArray(nonNil(d.Queues)),
		Tags:            pq.StringArray(nonNil(d.Tags)),
		LogOutput:       d.LogOutput,
		Terminate:       d.Terminate,
		TerminateStatus: d.TerminateStatus,
	}
}

func (r *workerRow) toDocument() *domain.WorkerDocument {
	return &domain.WorkerDocument{
		ID:              r.ID,
		Name:            r.Name,
		Host:            r.Host,
		PID:             r.PID,
		User:            r.User,
		Started:         r.Started.UTC(),
		Finished:        r.Finished.UTC(),
		CheckIn:         r.CheckIn.UTC(),
		Working:         r.Working,
		Queues:          []string(r.Queues),
		Tags:            []string(r.Tags),
		LogOutput:       r.LogOutput,
		Terminate:       r.Terminate,
		TerminateStatus: r.TerminateStatus,
	}
}

type ruleRow struct {
	ID        string         `db:"id"`
	Rule      string         `db:"rule"`
	Task      string         `db:"task"`
	Queue     string         `db:"queue"`
	Tags      pq.StringArray `db:"tags"`
	Paused    bool           `db:"paused"`
	Active    bool           `db:"active"`
	Created   time.Time      `db:"created"`
	Modified  time.Time      `db:"modified"`
	Checked   time.Time      `db:"checked"`
	TimeoutNS int64          `db:"timeout_ns"`
}

func toRuleRow(d *domain.RuleDocument) *ruleRow {
	return &ruleRow{
		ID:        d.ID,
		Rule:      d.Rule,
		Task:      d.Task,
		Queue:     d.Queue,
		Tags:      pq.StringArray(nonNil(d.Tags)),
		Paused:    d.Paused,
		Active:    d.Active,
		Created:   d.Created,
		Modified:  d.Modified,
		Checked:   d.Checked,
		TimeoutNS: int64(d.Timeout),
	}
}

func (r *ruleRow) toDocument() *domain.RuleDocument {
	return &domain.RuleDocument{
		ID:       r.ID,
		Rule:     r.Rule,
		Task:     r.Task,
		Queue:    r.Queue,
		Tags:     []string(r.Tags),
		Paused:   r.Paused,
		Active:   r.Active,
		Created:  r.Created.UTC(),
		Modified: r.Modified.UTC(),
		Checked:  r.Checked.UTC(),
		Timeout:  time.Duration(r.TimeoutNS),
	}
}

type logRow struct {
	Seq      int64     `db:"seq"`
	ID       string    `db:"id"`
	JobID    string    `db:"job_id"`
	WorkerID string    `db:"worker_id"`
	Level    string    `db:"level"`
	Logger   string    `db:"logger"`
	Message  string    `db:"message"`
	Time     time.Time `db:"time"`
}

func (r *logRow) toEntry() *domain.LogEntry {
	return &domain.LogEntry{
		ID:       r.ID,
		Seq:      r.Seq,
		JobID:    r.JobID,
		WorkerID: r.WorkerID,
		Level:    r.Level,
		Logger:   r.Logger,
		Message:  r.Message,
		Time:     r.Time.UTC(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orNull(t time.Time) time.Time {
	if t.IsZero() {
		return domain.NullTime
	}
	return t
}
