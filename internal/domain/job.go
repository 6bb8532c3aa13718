package domain

import (
	"fmt"
	"strings"
	"time"
)

// Execute describes the deferred call a job performs
type Execute struct {
	FuncStr string         `bson:"func_str" json:"func_str"`
	Args    []any          `bson:"args" json:"args"`
	Kwargs  map[string]any `bson:"kwargs" json:"kwargs"`
}

// Mutex caps how many claimed-but-unfinished jobs may share Key
type Mutex struct {
	Key   string `bson:"key" json:"key"`
	Count int    `bson:"count" json:"count"`
}

// JobDocument is the stored representation of one job
type JobDocument struct {
	ID              string        `bson:"_id" json:"id"`
	QueueName       string        `bson:"qname" json:"queue_name"`
	Tags            []string      `bson:"tags" json:"tags"`
	Priority        int           `bson:"priority" json:"priority"`
	Execute         Execute       `bson:"execute" json:"execute"`
	EnqueuedAt      time.Time     `bson:"enqueued_at" json:"enqueued_at"`
	EnqueuedAtEpoch float64       `bson:"enqueued_at_" json:"enqueued_at_epoch"`
	StartedAt       time.Time     `bson:"started_at" json:"started_at"`
	StartedAtEpoch  float64       `bson:"started_at_" json:"started_at_epoch"`
	FinishedAt      time.Time     `bson:"finished_at" json:"finished_at"`
	FinishedAtEpoch float64       `bson:"finished_at_" json:"finished_at_epoch"`
	ProcessAfter    time.Time     `bson:"process_after" json:"process_after"`
	Processed       bool          `bson:"processed" json:"processed"`
	Failed          bool          `bson:"failed" json:"failed"`
	Finished        bool          `bson:"finished" json:"finished"`
	Timeout         time.Duration `bson:"timeout,omitempty" json:"timeout,omitempty"`
	ClaimedBy       string        `bson:"worker_id" json:"claimed_by"`
	Mutex           *Mutex        `bson:"mutex,omitempty" json:"mutex,omitempty"`
}

// Running reports whether the job is claimed and not yet finalized
func (d *JobDocument) Running() bool {
	return d.Processed && !d.Finished
}

// Status summarises the job flags as one of the JobStatus* names
func (d *JobDocument) Status() string {
	switch {
	case d.Failed:
		return JobStatusFailed
	case d.Finished:
		return JobStatusFinished
	case d.Processed:
		return JobStatusRunning
	default:
		return JobStatusPending
	}
}

// CallString renders the deferred call for logs, e.g. pkg.Func(1, "a", key=2)
func (d *JobDocument) CallString() string {
	parts := make([]string, 0, len(d.Execute.Args)+len(d.Execute.Kwargs))
	for _, a := range d.Execute.Args {
		parts = append(parts, fmt.Sprintf("%#v", a))
	}
	for k, v := range d.Execute.Kwargs {
		parts = append(parts, fmt.Sprintf("%s=%#v", k, v))
	}
	return fmt.Sprintf("%s(%s)", d.Execute.FuncStr, strings.Join(parts, ", "))
}

// Clone returns a copy that shares no slices or maps with d
func (d *JobDocument) Clone() *JobDocument {
	cp := *d
	cp.Tags = append([]string(nil), d.Tags...)
	cp.Execute.Args = append([]any(nil), d.Execute.Args...)
	if d.Execute.Kwargs != nil {
		cp.Execute.Kwargs = make(map[string]any, len(d.Execute.Kwargs))
		for k, v := range d.Execute.Kwargs {
			cp.Execute.Kwargs[k] = v
		}
	}
	if d.Mutex != nil {
		m := *d.Mutex
		cp.Mutex = &m
	}
	return &cp
}
