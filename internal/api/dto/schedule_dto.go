package dto

import (
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
)

type CreateScheduleRequest struct {
	Rule           string   `json:"rule" binding:"required"`
	Task           string   `json:"task" binding:"required"`
	Queue          string   `json:"queue"`
	Tags           []string `json:"tags"`
	TimeoutSeconds float64  `json:"timeout_seconds" binding:"gte=0"`
}

type PauseScheduleRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

type ShutdownWorkerRequest struct {
	Status int `json:"status"`
}

type ScheduleDTO struct {
	RuleID         string     `json:"rule_id"`
	Rule           string     `json:"rule"`
	Task           string     `json:"task"`
	Queue          string     `json:"queue"`
	Tags           []string   `json:"tags"`
	Paused         bool       `json:"paused"`
	TimeoutSeconds float64    `json:"timeout_seconds,omitempty"`
	Created        time.Time  `json:"created"`
	Checked        time.Time  `json:"checked"`
	NextRun        *time.Time `json:"next_run,omitempty"`
}

func FromRule(r *domain.RuleDocument, next time.Time) ScheduleDTO {
	out := ScheduleDTO{
		RuleID:         r.ID,
		Rule:           r.Rule,
		Task:           r.Task,
		Queue:          r.Queue,
		Tags:           r.Tags,
		Paused:         r.Paused,
		TimeoutSeconds: r.Timeout.Seconds(),
		Created:        r.Created,
		Checked:        r.Checked,
	}
	if !next.IsZero() {
		out.NextRun = &next
	}
	return out
}
