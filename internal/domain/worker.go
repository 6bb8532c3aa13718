package domain

import "time"

// WorkerDocument is one worker-run entry in the worker registry
type WorkerDocument struct {
	ID              string    `bson:"_id" json:"id"`
	Name            string    `bson:"name" json:"name"`
	Host            string    `bson:"host" json:"host"`
	PID             int       `bson:"pid" json:"pid"`
	User            string    `bson:"user" json:"user"`
	Started         time.Time `bson:"started" json:"started"`
	Finished        time.Time `bson:"finished" json:"finished"`
	CheckIn         time.Time `bson:"check-in" json:"check_in"`
	Working         bool      `bson:"working" json:"working"`
	Queues          []string  `bson:"queues" json:"queues"`
	Tags            []string  `bson:"tags" json:"tags"`
	LogOutput       bool      `bson:"log_output" json:"log_output"`
	Terminate       bool      `bson:"terminate" json:"terminate"`
	TerminateStatus int       `bson:"terminate_status" json:"terminate_status"`
}

// CheckInResult is what a worker reads back from its heartbeat write
type CheckInResult struct {
	Terminate       bool
	TerminateStatus int
}

// RuleDocument is a recurring schedule rule
type RuleDocument struct {
	ID       string        `bson:"_id" json:"id"`
	Rule     string        `bson:"rule" json:"rule"`
	Task     string        `bson:"task" json:"task"`
	Queue    string        `bson:"queue" json:"queue"`
	Tags     []string      `bson:"tags" json:"tags"`
	Paused   bool          `bson:"paused" json:"paused"`
	Active   bool          `bson:"active" json:"active"`
	Created  time.Time     `bson:"created" json:"created"`
	Modified time.Time     `bson:"modified" json:"modified"`
	Checked  time.Time     `bson:"checked" json:"checked"`
	Timeout  time.Duration `bson:"timeout,omitempty" json:"timeout,omitempty"`
}

// LogEntry is one line in the log collection
type LogEntry struct {
	ID       string    `bson:"_id" json:"id"`
	Seq      int64     `bson:"seq" json:"seq"`
	JobID    string    `bson:"job_id,omitempty" json:"job_id,omitempty"`
	WorkerID string    `bson:"worker_id,omitempty" json:"worker_id,omitempty"`
	Level    string    `bson:"level" json:"level"`
	Logger   string    `bson:"logger,omitempty" json:"logger,omitempty"`
	Message  string    `bson:"message" json:"message"`
	Time     time.Time `bson:"time" json:"time"`
}
